package stratum

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/velora-pool/coordinator/internal/job"
)

// dispatch parses one wire line and routes it to the matching handler.
func (s *Server) dispatch(client *ClientConnection, line []byte) {
	req, err := ParseRequest(line)
	if err != nil {
		client.send(newError(nil, ErrCodeBadParams, "parse error"))
		return
	}

	switch req.Method {
	case "mining.subscribe":
		s.handleSubscribe(client, req)
	case "mining.authorize", "login":
		s.handleAuthorize(client, req)
	case "mining.submit", "submit":
		s.handleSubmit(client, req)
	case "mining.suggest_difficulty":
		s.handleSuggestDifficulty(client, req)
	case "mining.get_transactions":
		s.handleGetTransactions(client, req)
	case "mining.extranonce.subscribe":
		client.send(newResult(req.ID, true))
	default:
		client.send(newError(req.ID, ErrCodeMethodNotFound, "method not found: "+req.Method))
	}
}

func (s *Server) handleSubscribe(client *ClientConnection, req *Request) {
	client.Subscribed = true
	result := []interface{}{
		[]interface{}{
			[]interface{}{"mining.set_difficulty", client.ID},
			[]interface{}{"mining.notify", client.ID},
		},
		client.Extranonce1,
		s.cfg.Extranonce2Size,
	}
	client.send(newResult(req.ID, result))
}

func (s *Server) handleAuthorize(client *ClientConnection, req *Request) {
	params, err := parseAuthorizeParams(req.Params)
	if err != nil {
		client.send(newError(req.ID, ErrCodeBadParams, "invalid authorize params"))
		return
	}

	minerID, ok := s.authorizer.Authorize(context.Background(), params.Login, params.Pass)
	if !ok {
		if req.Method == "login" {
			client.send(newError(req.ID, ErrCodeUnauthorized, "unauthorized worker"))
			return
		}
		client.send(newResult(req.ID, false))
		return
	}

	client.Authorized = true
	client.MinerID = minerID
	client.WorkerName = params.Login

	startingDifficulty := s.difficulty.Register(minerID)

	s.connMu.Lock()
	set, ok := s.byMiner[minerID]
	if !ok {
		set = make(map[string]*ClientConnection)
		s.byMiner[minerID] = set
	}
	set[client.ID] = client
	s.connMu.Unlock()

	// login replies with the session id and the current job inline, so the
	// client can start hashing without waiting on a separate mining.notify;
	// mining.authorize keeps the bare boolean reply its callers expect.
	if req.Method == "login" {
		var j *job.Job
		if s.jobs != nil {
			j = s.jobs.GetCurrentJob()
		}
		client.send(newResult(req.ID, loginResult{
			ID:     client.ID,
			Job:    loginJobPayloadFor(j, startingDifficulty),
			Status: "OK",
		}))
	} else {
		client.send(newResult(req.ID, true))
	}
	client.send(difficultyNotification(startingDifficulty))

	if s.log != nil {
		s.log.Info("worker authorized", zap.String("miner", minerID), zap.String("worker", params.Login))
	}
}

// loginJobPayload is the inline job carried in a login response, in place
// of a deferred mining.notify.
type loginJobPayload struct {
	JobID          string `json:"job_id"`
	Height         uint64 `json:"height"`
	Timestamp      uint64 `json:"timestamp"`
	PreviousHash   string `json:"previous_hash"`
	MerkleRoot     string `json:"merkle_root"`
	Difficulty     uint64 `json:"difficulty"`
	PoolDifficulty uint64 `json:"pool_difficulty"`
	Algo           string `json:"algo"`
}

type loginResult struct {
	ID     string           `json:"id"`
	Job    *loginJobPayload `json:"job,omitempty"`
	Status string           `json:"status"`
}

// loginJobPayloadFor builds the inline job for a login reply. poolDifficulty
// is the client's own just-assigned difficulty, not the template's
// pool-wide PoolDifficulty, since it is what the client will actually mine
// against.
func loginJobPayloadFor(j *job.Job, poolDifficulty uint64) *loginJobPayload {
	if j == nil {
		return nil
	}
	tmpl := j.Template
	return &loginJobPayload{
		JobID:          j.ID,
		Height:         tmpl.Index,
		Timestamp:      tmpl.Timestamp / 1000,
		PreviousHash:   tmpl.PreviousHash,
		MerkleRoot:     tmpl.MerkleRoot,
		Difficulty:     tmpl.Difficulty,
		PoolDifficulty: poolDifficulty,
		Algo:           "velora",
	}
}

func (s *Server) handleSubmit(client *ClientConnection, req *Request) {
	if !client.Authorized {
		client.send(newError(req.ID, ErrCodeUnauthorized, "unauthorized worker"))
		return
	}

	params, err := parseSubmitParams(req.Params)
	if err != nil {
		client.send(newError(req.ID, ErrCodeBadParams, "invalid submit params"))
		return
	}

	ntime, err := parseHexUint32(params.NTime)
	if err != nil {
		client.send(newError(req.ID, ErrCodeBadParams, "invalid nTime"))
		return
	}

	sub := ShareSubmission{
		ClientID:   client.MinerID,
		JobID:      params.JobID,
		Nonce:      params.Nonce,
		Hash:       params.Hash,
		NTime:      ntime,
		Difficulty: s.difficulty.Difficulty(client.MinerID),
	}

	outcome := s.shares.Validate(context.Background(), sub, time.Now())
	if !outcome.Valid {
		client.send(newError(req.ID, rejectCode(outcome.Reason), string(outcome.Reason)))
		return
	}
	// A block solution replies WAIT: the work is about to change.
	status := "OK"
	if outcome.IsBlock {
		status = "WAIT"
	}
	client.send(newResult(req.ID, map[string]string{"status": status}))
}

func (s *Server) handleSuggestDifficulty(client *ClientConnection, req *Request) {
	suggested, err := parseSuggestDifficulty(req.Params)
	if err != nil {
		client.send(newError(req.ID, ErrCodeBadParams, "invalid suggest_difficulty params"))
		return
	}
	if client.MinerID != "" {
		s.difficulty.SetSuggested(client.MinerID, uint64(suggested))
	}
	client.send(newResult(req.ID, true))
}

// handleGetTransactions returns the current job's transaction array, used
// by clients that verify the block template themselves before mining on it.
func (s *Server) handleGetTransactions(client *ClientConnection, req *Request) {
	if !client.Authorized {
		client.send(newError(req.ID, ErrCodeBadParams, "Not authorized"))
		return
	}

	var j *job.Job
	if s.jobs != nil {
		j = s.jobs.GetCurrentJob()
	}
	if j == nil {
		client.send(newError(req.ID, ErrCodeInternal, "no job available"))
		return
	}

	txs := make([]string, len(j.Template.Transactions))
	for i, tx := range j.Template.Transactions {
		txs[i] = tx.Data
	}
	client.send(newResult(req.ID, txs))
}

func rejectCode(reason string) int {
	switch reason {
	case "unknown_job":
		return 21
	case "stale":
		return 22
	case "below_target":
		return 23
	default:
		return ErrCodeBadParams
	}
}

func parseHexUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// jobNotification renders a Job as a mining.notify payload. Velora
// templates supply a single opaque merkleRoot rather than a Merkle branch
// to be combined with a client-chosen extranonce2, so unlike a
// Bitcoin-shaped notify this carries the template's fields directly
// instead of coinbase1/coinbase2/merkleBranch.
func jobNotification(j *job.Job) []byte {
	tmpl := j.Template
	notif := &Notification{
		ID:     nil,
		Method: "mining.notify",
		Params: []interface{}{
			j.ID,
			tmpl.PreviousHash,
			tmpl.MerkleRoot,
			strconv.FormatUint(tmpl.Index, 16),
			strconv.FormatUint(tmpl.Difficulty, 16),
			strconv.FormatUint(tmpl.Timestamp/1000, 16),
			j.CleanJobs,
		},
	}
	return notif.marshal()
}

func difficultyNotification(difficulty uint64) []byte {
	notif := &Notification{
		ID:     nil,
		Method: "mining.set_difficulty",
		Params: []interface{}{difficulty},
	}
	return notif.marshal()
}
