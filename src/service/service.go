package service

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tempoledger/tempo/src/common"
	"github.com/tempoledger/tempo/src/engine"
)

// Service ...
type Service struct {
	sync.Mutex

	bindAddress string
	engine      *engine.Engine
	logger      *logrus.Entry
}

// NewService ...
func NewService(bindAddress string, e *engine.Engine, logger *logrus.Entry) *Service {
	service := Service{
		bindAddress: bindAddress,
		engine:      e,
		logger:      logger.WithField("component", "service"),
	}

	service.registerHandlers()

	return &service
}

// registerHandlers registers the API handlers with the DefaultServerMux of the
// http package. It is possible that another server in the same process is
// simultaneously using the DefaultServerMux. In which case, the handlers will
// be accessible from both servers.
func (s *Service) registerHandlers() {
	s.logger.Debug("Registering Tempo API handlers")
	http.HandleFunc("/stats", s.makeHandler(s.GetStats))
	http.HandleFunc("/block/", s.makeHandler(s.GetBlock))
	http.HandleFunc("/round/", s.makeHandler(s.GetRound))
	http.HandleFunc("/tips/", s.makeHandler(s.GetTips))
	http.HandleFunc("/validators", s.makeHandler(s.GetValidators))
	http.HandleFunc("/committee", s.makeHandler(s.GetCommittee))
}

func (s *Service) makeHandler(fn func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Lock()
		defer s.Unlock()

		// enable CORS
		w.Header().Set("Access-Control-Allow-Origin", "*")

		fn(w, r)
	}
}

// Serve calls ListenAndServe. This is a blocking call. It is not necessary to
// call Serve when another server has already been started with the
// DefaultServerMux and the same address:port combination.
func (s *Service) Serve() {
	s.logger.WithField("bind_address", s.bindAddress).Debug("Serving Tempo API")

	// Use the DefaultServerMux
	err := http.ListenAndServe(s.bindAddress, nil)
	if err != nil {
		s.logger.Error(err)
	}
}

// GetStats ...
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.GetStats()

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(stats)
}

// roundResponse flattens a round for the API, state included.
type roundResponse struct {
	Number          uint64            `json:"number"`
	ParentRoundHash string            `json:"parent_round_hash"`
	BlockHashes     []string          `json:"block_hashes"`
	TimeValue       uint64            `json:"time_value"`
	Proposer        string            `json:"proposer"`
	State           string            `json:"state"`
	Signatures      map[string]string `json:"signatures,omitempty"`
}

// GetRound ...
func (s *Service) GetRound(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/round/"):]

	number, err := strconv.ParseUint(param, 10, 64)
	if err != nil {
		s.logger.WithError(err).Errorf("Parsing round number parameter %s", param)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// a snapshot: the chain keeps mutating the live round while we encode
	round, err := s.engine.GetRoundSnapshot(number)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving round %d", number)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	resp := roundResponse{
		Number:      round.Body.Number,
		BlockHashes: round.Body.BlockHashes,
		TimeValue:   round.Body.TimeValue,
		Proposer:    round.Proposer,
		State:       round.State().String(),
		Signatures:  make(map[string]string, len(round.Signatures)),
	}
	for addr, sig := range round.Signatures {
		resp.Signatures[addr] = sig.Signature
	}
	if parent := round.Body.ParentRoundHash; len(parent) > 0 {
		resp.ParentRoundHash = common.EncodeToString(parent)
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(resp)
}

// GetBlock ...
func (s *Service) GetBlock(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Path[len("/block/"):]

	block, err := s.engine.GetBlock(id)
	if err != nil {
		s.logger.WithError(err).Errorf("Retrieving block %s", id)
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(block)
}

// GetTips ...
func (s *Service) GetTips(w http.ResponseWriter, r *http.Request) {
	param := r.URL.Path[len("/tips/"):]

	shard, err := strconv.ParseUint(param, 10, 16)
	if err != nil {
		s.logger.WithError(err).Errorf("Parsing shard parameter %s", param)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.engine.GetTips(uint16(shard)))
}

// GetValidators ...
func (s *Service) GetValidators(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(s.engine.ValidatorsSnapshot())
}

// GetCommittee ...
func (s *Service) GetCommittee(w http.ResponseWriter, r *http.Request) {
	committee := s.engine.CommitteeSnapshot()
	if committee == nil {
		http.Error(w, "no committee selected", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	json.NewEncoder(w).Encode(committee)
}
