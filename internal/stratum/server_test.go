package stratum

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/velora-pool/coordinator/internal/blocktemplate"
	"github.com/velora-pool/coordinator/internal/job"
	"github.com/velora-pool/coordinator/internal/logging"
)

type fakeAuthorizer struct{ reject bool }

func (f *fakeAuthorizer) Authorize(ctx context.Context, login, pass string) (string, bool) {
	if f.reject {
		return "", false
	}
	return "miner-" + login, true
}

type fakeDifficulty struct{ starting uint64 }

func (f *fakeDifficulty) Register(clientID string) uint64    { return f.starting }
func (f *fakeDifficulty) Remove(clientID string)              {}
func (f *fakeDifficulty) Difficulty(clientID string) uint64   { return f.starting }
func (f *fakeDifficulty) SetSuggested(clientID string, d uint64) { f.starting = d }

type fakeHashrateRemover struct{}

func (f *fakeHashrateRemover) Remove(clientID string) {}

type fakeShareSubmitter struct{ outcome ShareOutcome }

func (f *fakeShareSubmitter) Validate(ctx context.Context, sub ShareSubmission, now time.Time) ShareOutcome {
	return f.outcome
}

type fakeJobs struct{ job *job.Job }

func (f *fakeJobs) GetCurrentJob() *job.Job { return f.job }

func startTestServer(t *testing.T, auth Authorizer, diff Difficulty, shares ShareSubmitter) *Server {
	t.Helper()
	return startTestServerWithJobs(t, auth, diff, shares, &fakeJobs{})
}

func startTestServerWithJobs(t *testing.T, auth Authorizer, diff Difficulty, shares ShareSubmitter, jobs Jobs) *Server {
	t.Helper()
	s := NewServer(Config{Address: "127.0.0.1:0", IdleTimeout: 2 * time.Second}, auth, diff, &fakeHashrateRemover{}, shares, jobs, logging.Noop())
	go s.Start()
	require.Eventually(t, func() bool { return s.Address() != "" && s.Address() != "127.0.0.1:0" }, time.Second, time.Millisecond)
	t.Cleanup(s.Stop)
	return s
}

func readLine(t *testing.T, r *bufio.Scanner) map[string]interface{} {
	t.Helper()
	require.True(t, r.Scan())
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(r.Bytes(), &m))
	return m
}

func TestSubscribeReturnsExtranonce(t *testing.T) {
	s := startTestServer(t, &fakeAuthorizer{}, &fakeDifficulty{starting: 1000}, &fakeShareSubmitter{})

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["testminer/1.0"]}` + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	resp := readLine(t, scanner)
	require.Equal(t, float64(1), resp["id"])
	require.Nil(t, resp["error"])
	result, ok := resp["result"].([]interface{})
	require.True(t, ok, "expected an array result, got %#v", resp["result"])
	require.Len(t, result, 3)
	require.Len(t, result[1], 8) // extranonce1
}

func TestAuthorizeAcceptsValidWorker(t *testing.T) {
	s := startTestServer(t, &fakeAuthorizer{}, &fakeDifficulty{starting: 2000}, &fakeShareSubmitter{})

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"id":2,"method":"mining.authorize","params":["1abc.worker1","x"]}` + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	resp := readLine(t, scanner)
	require.Equal(t, true, resp["result"])

	// A mining.set_difficulty notification follows authorization.
	notif := readLine(t, scanner)
	require.Equal(t, "mining.set_difficulty", notif["method"])
}

func TestAuthorizeRejectsInvalidAddress(t *testing.T) {
	s := startTestServer(t, &fakeAuthorizer{reject: true}, &fakeDifficulty{starting: 1000}, &fakeShareSubmitter{})

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"id":2,"method":"mining.authorize","params":["bogus","x"]}` + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	resp := readLine(t, scanner)
	require.Equal(t, false, resp["result"])
}

func TestSubmitRejectsUnauthorizedWorker(t *testing.T) {
	s := startTestServer(t, &fakeAuthorizer{}, &fakeDifficulty{starting: 1000}, &fakeShareSubmitter{})

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"id":3,"method":"mining.submit","params":["w","job1","00000000","aabbccdd","deadbeef"]}` + "\n"))
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)
	resp := readLine(t, scanner)
	require.NotNil(t, resp["error"])
}

func TestSubmitAcceptedShareReturnsOK(t *testing.T) {
	s := startTestServer(t, &fakeAuthorizer{}, &fakeDifficulty{starting: 1000}, &fakeShareSubmitter{outcome: ShareOutcome{Valid: true}})

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)

	_, err = conn.Write([]byte(`{"id":1,"method":"mining.authorize","params":["1abc","w"]}` + "\n"))
	require.NoError(t, err)
	readLine(t, scanner) // authorize result
	readLine(t, scanner) // set_difficulty

	_, err = conn.Write([]byte(`{"id":2,"method":"mining.submit","params":["w","job1","00000000","aabbccdd","deadbeef"]}` + "\n"))
	require.NoError(t, err)
	resp := readLine(t, scanner)
	require.Equal(t, map[string]interface{}{"status": "OK"}, resp["result"])
}

func TestBroadcastJobReachesSubscribedAuthorizedConnections(t *testing.T) {
	s := startTestServer(t, &fakeAuthorizer{}, &fakeDifficulty{starting: 1000}, &fakeShareSubmitter{})

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)

	_, err = conn.Write([]byte(`{"id":1,"method":"mining.subscribe","params":["m"]}` + "\n"))
	require.NoError(t, err)
	readLine(t, scanner)

	_, err = conn.Write([]byte(`{"id":2,"method":"mining.authorize","params":["1abc","w"]}` + "\n"))
	require.NoError(t, err)
	readLine(t, scanner)
	readLine(t, scanner)

	tmpl := &blocktemplate.Template{Index: 42, PreviousHash: "aa", MerkleRoot: "bb", Timestamp: 1700000000000, Difficulty: 1 << 40}
	s.BroadcastJob(&job.Job{ID: "job1", Template: tmpl, CleanJobs: true})

	notif := readLine(t, scanner)
	require.Equal(t, "mining.notify", notif["method"])
}

func TestLoginReturnsInlineJob(t *testing.T) {
	tmpl := &blocktemplate.Template{Index: 42, PreviousHash: "aa", MerkleRoot: "bb", Timestamp: 1700000000000, Difficulty: 1 << 40}
	jobs := &fakeJobs{job: &job.Job{ID: "job1", Template: tmpl}}
	s := startTestServerWithJobs(t, &fakeAuthorizer{}, &fakeDifficulty{starting: 2000}, &fakeShareSubmitter{}, jobs)

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)

	_, err = conn.Write([]byte(`{"id":1,"method":"login","params":{"user":"1abc.worker1","pass":"x"}}` + "\n"))
	require.NoError(t, err)

	resp := readLine(t, scanner)
	result, ok := resp["result"].(map[string]interface{})
	require.True(t, ok, "expected an object result, got %#v", resp["result"])
	require.Equal(t, "OK", result["status"])
	jobField, ok := result["job"].(map[string]interface{})
	require.True(t, ok, "expected an inline job")
	require.Equal(t, "job1", jobField["job_id"])
	require.Equal(t, "velora", jobField["algo"])

	readLine(t, scanner) // mining.set_difficulty
}

func TestAuthorizeStillRepliesBareBoolean(t *testing.T) {
	tmpl := &blocktemplate.Template{Index: 42, Difficulty: 1 << 40}
	jobs := &fakeJobs{job: &job.Job{ID: "job1", Template: tmpl}}
	s := startTestServerWithJobs(t, &fakeAuthorizer{}, &fakeDifficulty{starting: 2000}, &fakeShareSubmitter{}, jobs)

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)

	_, err = conn.Write([]byte(`{"id":1,"method":"mining.authorize","params":["1abc.worker1","x"]}` + "\n"))
	require.NoError(t, err)

	resp := readLine(t, scanner)
	require.Equal(t, true, resp["result"])
}

func TestGetTransactionsRejectsUnauthorized(t *testing.T) {
	s := startTestServer(t, &fakeAuthorizer{}, &fakeDifficulty{starting: 1000}, &fakeShareSubmitter{})

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)

	_, err = conn.Write([]byte(`{"id":1,"method":"mining.get_transactions","params":[]}` + "\n"))
	require.NoError(t, err)

	resp := readLine(t, scanner)
	require.NotNil(t, resp["error"])
}

func TestGetTransactionsReturnsCurrentJobTransactions(t *testing.T) {
	tmpl := &blocktemplate.Template{
		Index: 42, Difficulty: 1 << 40,
		Transactions: []blocktemplate.Transaction{{Data: "coinbasehex", IsCoinbase: true}, {Data: "txhex1"}},
	}
	jobs := &fakeJobs{job: &job.Job{ID: "job1", Template: tmpl}}
	s := startTestServerWithJobs(t, &fakeAuthorizer{}, &fakeDifficulty{starting: 1000}, &fakeShareSubmitter{}, jobs)

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)

	_, err = conn.Write([]byte(`{"id":1,"method":"mining.authorize","params":["1abc","w"]}` + "\n"))
	require.NoError(t, err)
	readLine(t, scanner) // authorize result
	readLine(t, scanner) // set_difficulty

	_, err = conn.Write([]byte(`{"id":2,"method":"mining.get_transactions","params":[]}` + "\n"))
	require.NoError(t, err)
	resp := readLine(t, scanner)
	txs, ok := resp["result"].([]interface{})
	require.True(t, ok, "expected an array result, got %#v", resp["result"])
	require.Equal(t, []interface{}{"coinbasehex", "txhex1"}, txs)
}

func TestSuggestDifficultyUpdatesClientDifficulty(t *testing.T) {
	diff := &fakeDifficulty{starting: 1000}
	s := startTestServer(t, &fakeAuthorizer{}, diff, &fakeShareSubmitter{})

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	scanner := bufio.NewScanner(conn)

	_, err = conn.Write([]byte(`{"id":1,"method":"mining.authorize","params":["1abc","w"]}` + "\n"))
	require.NoError(t, err)
	readLine(t, scanner)
	readLine(t, scanner)

	_, err = conn.Write([]byte(`{"id":2,"method":"mining.suggest_difficulty","params":[5000]}` + "\n"))
	require.NoError(t, err)
	resp := readLine(t, scanner)
	require.Equal(t, true, resp["result"])
	require.Equal(t, uint64(5000), diff.starting)
}

func TestDisconnectRemovesConnection(t *testing.T) {
	s := startTestServer(t, &fakeAuthorizer{}, &fakeDifficulty{starting: 1000}, &fakeShareSubmitter{})

	conn, err := net.Dial("tcp", s.Address())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.ConnectionCount() == 1 }, time.Second, time.Millisecond)
	conn.Close()
	require.Eventually(t, func() bool { return s.ConnectionCount() == 0 }, time.Second, time.Millisecond)
}
