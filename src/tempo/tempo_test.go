package tempo

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/tempoledger/tempo/src/config"
	"github.com/tempoledger/tempo/src/crypto/keys"
)

func TestKeygen(t *testing.T) {
	dir, err := ioutil.TempDir("", "tempo-keygen")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	keyfilePath := filepath.Join(dir, "priv_key")

	key, err := Keygen(keyfilePath)
	if err != nil {
		t.Fatal(err)
	}

	read, err := keys.NewSimpleKeyfile(keyfilePath).ReadKey()
	if err != nil {
		t.Fatal(err)
	}
	if keys.AddressOf(&read.PublicKey) != keys.AddressOf(&key.PublicKey) {
		t.Fatal("keyfile round trip changed the key")
	}

	// a second keygen must not overwrite the existing key
	if _, err := Keygen(keyfilePath); err == nil {
		t.Fatal("expected an error for an existing keyfile")
	}
}

func TestInitShutdown(t *testing.T) {
	dir, err := ioutil.TempDir("", "tempo-init")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.SetDataDir(dir)
	conf.NoService = true

	if _, err := Keygen(conf.Keyfile()); err != nil {
		t.Fatal(err)
	}

	node := NewTempo(conf)
	if err := node.Init(); err != nil {
		t.Fatal(err)
	}

	if node.Engine == nil {
		t.Fatal("engine should be assembled")
	}
	if node.Store == nil {
		t.Fatal("an in-mem store should be assembled by default")
	}
	if node.Service != nil {
		t.Fatal("no service expected with no-service set")
	}

	node.Shutdown()
}
