package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-attempts/internal/attempt"
	auth "github.com/mind-engage/mindengage-attempts/internal/auth/middleware"
	"github.com/mind-engage/mindengage-attempts/internal/exam"
	syncx "github.com/mind-engage/mindengage-attempts/internal/sync"
)

type testAPI struct {
	t      *testing.T
	srv    *httptest.Server
	authz  *auth.AuthService
	store  *exam.MemoryStore
	events *syncx.MemoryLog
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store := exam.NewInMemoryStore()
	events := syncx.NewMemoryLog()
	m := attempt.NewManager(store,
		attempt.WithEvents(events),
		attempt.WithAutosaveDelay(time.Hour),
		attempt.WithTickInterval(time.Hour),
	)
	authz := auth.NewAuthService("test-secret")
	r := chi.NewRouter()
	Mount(r, Deps{Manager: m, Store: store, Events: events, Auth: authz, Login: &auth.LocalLogin{DevUsers: true}})
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		m.Shutdown(context.Background())
	})
	return &testAPI{t: t, srv: srv, authz: authz, store: store, events: events}
}

func (a *testAPI) token(sub, role string) string {
	tok, err := a.authz.IssueJWT(sub, role)
	if err != nil {
		a.t.Fatal(err)
	}
	return tok
}

func (a *testAPI) do(method, path, tok string, body any, out any) int {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			a.t.Fatal(err)
		}
	}
	req, _ := http.NewRequest(method, a.srv.URL+path, &buf)
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		a.t.Fatal(err)
	}
	defer res.Body.Close()
	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			a.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return res.StatusCode
}

func quizPayload(maxAttempts int) map[string]any {
	opts := json.RawMessage(`{"A":"alpha","B":"beta"}`)
	return map[string]any{
		"assessment": exam.Assessment{ID: "quiz-1", Title: "Quiz", Kind: exam.KindQuiz, PassingScore: 50, MaxAttempts: maxAttempts, RevealAnswers: true},
		"questions": []exam.Question{
			{ID: "q1", Type: exam.SingleChoice, Options: opts, AnswerKey: []string{"A"}, Points: 10},
			{ID: "q2", Type: exam.SingleChoice, Options: opts, AnswerKey: []string{"B"}, Points: 10},
			{ID: "q3", Type: exam.Essay, Points: 20},
		},
	}
}

func TestAttemptRoundTrip(t *testing.T) {
	api := newTestAPI(t)
	teacher := api.token("tina", "teacher")
	alice := api.token("alice", "student")

	if code := api.do("POST", "/assessments", teacher, quizPayload(2), nil); code != http.StatusCreated {
		t.Fatalf("create assessment: %d", code)
	}
	if code := api.do("POST", "/assessments", alice, quizPayload(2), nil); code != http.StatusForbidden {
		t.Fatalf("students cannot create assessments: %d", code)
	}

	var started exam.Attempt
	if code := api.do("POST", "/assessments/quiz-1/attempts", alice, nil, &started); code != http.StatusCreated {
		t.Fatalf("start: %d", code)
	}
	if started.Number != 1 || started.LearnerID != "alice" {
		t.Fatalf("unexpected attempt %+v", started)
	}

	var conflict map[string]string
	if code := api.do("POST", "/assessments/quiz-1/attempts", alice, nil, &conflict); code != http.StatusConflict {
		t.Fatalf("second start: %d", code)
	}
	if conflict["resume_attempt_id"] != started.ID {
		t.Fatalf("want resume id %s, got %v", started.ID, conflict)
	}

	base := "/attempts/" + started.ID
	bob := api.token("bob", "student")
	if code := api.do("PUT", base+"/answers/q1", bob, map[string]any{"value": "A"}, nil); code != http.StatusForbidden {
		t.Fatalf("other learner saved an answer: %d", code)
	}
	if code := api.do("PUT", base+"/answers/q1", alice, map[string]any{"value": "A"}, nil); code != http.StatusAccepted {
		t.Fatalf("save q1: %d", code)
	}
	if code := api.do("PUT", base+"/answers/q2", alice, map[string]any{"value": "A"}, nil); code != http.StatusAccepted {
		t.Fatalf("save q2: %d", code)
	}
	if code := api.do("PUT", base+"/answers/nope", alice, map[string]any{"value": "A"}, nil); code != http.StatusBadRequest {
		t.Fatalf("unknown question: %d", code)
	}
	if code := api.do("GET", base+"/review", alice, nil, nil); code != http.StatusConflict {
		t.Fatalf("review before submit: %d", code)
	}

	var res attempt.Result
	if code := api.do("POST", base+"/submit", alice, nil, &res); code != http.StatusOK {
		t.Fatalf("submit: %d", code)
	}
	if res.Attempt.Score == nil || *res.Attempt.Score != 25 || res.Passed {
		t.Fatalf("unexpected result %+v", res)
	}
	var again attempt.Result
	if code := api.do("POST", base+"/submit", alice, nil, &again); code != http.StatusOK || !again.AlreadyFinished {
		t.Fatalf("second submit: %d %+v", code, again)
	}
	if code := api.do("PUT", base+"/answers/q2", alice, map[string]any{"value": "B"}, nil); code != http.StatusConflict {
		t.Fatalf("save after submit: %d", code)
	}

	var rv attempt.Review
	if code := api.do("GET", base+"/review", alice, nil, &rv); code != http.StatusOK {
		t.Fatalf("review: %d", code)
	}
	if len(rv.Items) != 3 || rv.PendingManual != 1 || len(rv.Items[0].AnswerKey) != 1 {
		t.Fatalf("unexpected review %+v", rv)
	}

	grades := map[string]any{"grades": []map[string]any{{
		"question_id": "q3",
		"is_correct":  true,
		"rubric":      map[string]any{"criteria": []map[string]any{{"key": "thesis", "max_points": 10}, {"key": "evidence", "max_points": 10}}},
		"criteria":    map[string]float64{"thesis": 10, "evidence": 5},
	}}}
	if code := api.do("POST", base+"/grades", alice, grades, nil); code != http.StatusForbidden {
		t.Fatalf("students cannot grade: %d", code)
	}
	var graded exam.Attempt
	if code := api.do("POST", base+"/grades", teacher, grades, &graded); code != http.StatusOK {
		t.Fatalf("grade: %d", code)
	}
	if graded.Score == nil || *graded.Score != 63 {
		t.Fatalf("want rescored 63, got %+v", graded)
	}

	var h attempt.History
	if code := api.do("GET", "/assessments/quiz-1/attempts", alice, nil, &h); code != http.StatusOK {
		t.Fatalf("history: %d", code)
	}
	if len(h.Attempts) != 1 || h.Remaining != 1 || !h.CanStart || !h.Passed {
		t.Fatalf("unexpected history %+v", h)
	}

	var list []exam.Attempt
	if code := api.do("GET", "/attempts?learner_id=alice", teacher, nil, &list); code != http.StatusOK || len(list) != 1 {
		t.Fatalf("list: %d %v", code, list)
	}
	var evs []syncx.Event
	if code := api.do("GET", "/events", teacher, nil, &evs); code != http.StatusOK || len(evs) == 0 {
		t.Fatalf("events: %d %d", code, len(evs))
	}
}

func TestStartLimitsAndErrors(t *testing.T) {
	api := newTestAPI(t)
	teacher := api.token("tina", "teacher")
	alice := api.token("alice", "student")
	if code := api.do("POST", "/assessments", teacher, quizPayload(1), nil); code != http.StatusCreated {
		t.Fatalf("create: %d", code)
	}

	if code := api.do("POST", "/assessments/missing/attempts", alice, nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown assessment: %d", code)
	}
	var a exam.Attempt
	api.do("POST", "/assessments/quiz-1/attempts", alice, nil, &a)
	if code := api.do("POST", "/attempts/"+a.ID+"/submit", alice, nil, nil); code != http.StatusOK {
		t.Fatalf("submit: %d", code)
	}
	if code := api.do("POST", "/assessments/quiz-1/attempts", alice, nil, nil); code != http.StatusConflict {
		t.Fatalf("no attempts left: %d", code)
	}
	if code := api.do("GET", "/attempts/"+a.ID, "", nil, nil); code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", code)
	}
	if code := api.do("GET", "/attempts/unknown", alice, nil, nil); code != http.StatusNotFound {
		t.Fatalf("unknown attempt: %d", code)
	}
	bad := quizPayload(1)
	bad["assessment"] = exam.Assessment{ID: "x", Kind: "lecture"}
	if code := api.do("POST", "/assessments", teacher, bad, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid kind accepted: %d", code)
	}
}

func TestOpenSessionResumes(t *testing.T) {
	api := newTestAPI(t)
	teacher := api.token("tina", "teacher")
	alice := api.token("alice", "student")
	api.do("POST", "/assessments", teacher, quizPayload(exam.UnlimitedAttempts), nil)

	var first, second struct {
		Attempt   exam.Attempt          `json:"attempt"`
		Questions []attempt.QuestionView `json:"questions"`
	}
	if code := api.do("POST", "/assessments/quiz-1/session", alice, nil, &first); code != http.StatusOK {
		t.Fatalf("open: %d", code)
	}
	if len(first.Questions) != 3 {
		t.Fatalf("want 3 questions, got %d", len(first.Questions))
	}
	for _, o := range first.Questions[0].Options {
		if o.IsCorrect {
			t.Fatal("question view leaks correct flags")
		}
	}
	api.do("POST", "/assessments/quiz-1/session", alice, nil, &second)
	if second.Attempt.ID != first.Attempt.ID {
		t.Fatalf("open did not resume: %s vs %s", second.Attempt.ID, first.Attempt.ID)
	}
	if code := api.do("POST", "/assessments", teacher, quizPayload(exam.UnlimitedAttempts), nil); code != http.StatusConflict {
		t.Fatalf("questions replaced under an open attempt: %d", code)
	}
}

func TestGradesAreAllOrNothing(t *testing.T) {
	api := newTestAPI(t)
	teacher := api.token("tina", "teacher")
	alice := api.token("alice", "student")
	api.do("POST", "/assessments", teacher, quizPayload(exam.UnlimitedAttempts), nil)

	var a exam.Attempt
	api.do("POST", "/assessments/quiz-1/attempts", alice, nil, &a)
	api.do("PUT", "/attempts/"+a.ID+"/answers/q1", alice, map[string]any{"value": "A"}, nil)
	if code := api.do("POST", "/attempts/"+a.ID+"/submit", alice, nil, nil); code != http.StatusOK {
		t.Fatalf("submit: %d", code)
	}

	for name, grades := range map[string][]map[string]any{
		"points above max": {{"question_id": "q3", "is_correct": true, "points": 20}, {"question_id": "q1", "points": 50}},
		"unknown question": {{"question_id": "q3", "is_correct": true, "points": 20}, {"question_id": "nope", "points": 1}},
	} {
		if code := api.do("POST", "/attempts/"+a.ID+"/grades", teacher, map[string]any{"grades": grades}, nil); code != http.StatusBadRequest {
			t.Fatalf("%s: want 400, got %d", name, code)
		}
	}

	var got struct {
		Attempt exam.Attempt `json:"attempt"`
	}
	api.do("GET", "/attempts/"+a.ID, teacher, nil, &got)
	if got.Attempt.Score == nil || *got.Attempt.Score != 25 {
		t.Fatalf("a rejected batch must not change the score: %+v", got.Attempt)
	}
	var rv attempt.Review
	api.do("GET", "/attempts/"+a.ID+"/review", teacher, nil, &rv)
	if rv.Items[2].IsCorrect != nil || rv.PendingManual != 1 {
		t.Fatalf("a rejected batch must not grade the essay: %+v", rv.Items[2])
	}
}
