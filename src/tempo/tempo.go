// Package tempo assembles the components of a Tempo node from a config
// object: keyfile, store, engine and HTTP service.
package tempo

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/tempoledger/tempo/src/config"
	"github.com/tempoledger/tempo/src/crypto/keys"
	"github.com/tempoledger/tempo/src/engine"
	"github.com/tempoledger/tempo/src/service"
	"github.com/tempoledger/tempo/src/store"
)

// Tempo is a fully assembled node.
type Tempo struct {
	Config  *config.Config
	Store   store.Store
	Engine  *engine.Engine
	Service *service.Service
}

// NewTempo ...
func NewTempo(conf *config.Config) *Tempo {
	return &Tempo{
		Config: conf,
	}
}

func (t *Tempo) initKey() error {
	if t.Config.Key == nil {
		keyfile := keys.NewSimpleKeyfile(t.Config.Keyfile())

		privKey, err := keyfile.ReadKey()
		if err != nil {
			return fmt.Errorf("cannot read private key from %s: %v", t.Config.Keyfile(), err)
		}

		t.Config.Key = privKey
	}
	return nil
}

func (t *Tempo) initStore() error {
	if !t.Config.Store {
		t.Store = store.NewInmemStore()

		t.Config.Logger().Debug("Created new in-mem store")

		return nil
	}

	t.Config.Logger().WithField("path", t.Config.DatabaseDir).Debug("Attempting to load or create database")

	badgerStore, err := store.NewBadgerStore(t.Config.DatabaseDir, t.Config.CacheSize)
	if err != nil {
		return err
	}

	t.Store = badgerStore

	return nil
}

func (t *Tempo) initEngine() error {
	t.Engine = engine.NewEngine(t.Config, t.Store, t.Config.Logger())

	if err := t.Engine.Init(); err != nil {
		return fmt.Errorf("failed to initialize engine: %v", err)
	}

	return nil
}

func (t *Tempo) initService() error {
	if !t.Config.NoService {
		t.Service = service.NewService(t.Config.ServiceAddr, t.Engine, t.Config.Logger())
	}
	return nil
}

// Init reads the keyfile, opens the store, and initializes the engine and the
// service.
func (t *Tempo) Init() error {
	if err := t.initKey(); err != nil {
		return err
	}

	if err := t.initStore(); err != nil {
		return err
	}

	if err := t.initEngine(); err != nil {
		return err
	}

	if err := t.initService(); err != nil {
		return err
	}

	return nil
}

// Run starts the service in the background and blocks in the engine's main
// loop.
func (t *Tempo) Run() {
	if t.Service != nil {
		go t.Service.Serve()
	}

	t.Engine.Run()
}

// Shutdown stops the engine and closes the store.
func (t *Tempo) Shutdown() {
	t.Engine.Shutdown()

	if t.Store != nil {
		if err := t.Store.Close(); err != nil {
			t.Config.Logger().WithError(err).Error("Failed to close store")
		}
	}
}

// Keygen generates a new key pair and persists it to the keyfile, refusing to
// overwrite an existing key.
func Keygen(keyfilePath string) (*ecdsa.PrivateKey, error) {
	keyfile := keys.NewSimpleKeyfile(keyfilePath)

	if _, err := keyfile.ReadKey(); err == nil {
		return nil, fmt.Errorf("another key already lives under %s", keyfilePath)
	}

	privKey, err := keys.GenerateECDSAKey()
	if err != nil {
		return nil, err
	}

	if err := keyfile.WriteKey(privKey); err != nil {
		return nil, err
	}

	return privKey, nil
}
