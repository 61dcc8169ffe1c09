package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	sqldb "github.com/mind-engage/mindengage-attempts/internal/db"
)

// SQLStore persists the engine records in sqlite or postgres. Placeholders
// are $n on both drivers.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) PutAssessment(ctx context.Context, a Assessment, questions []Question) error {
	return sqldb.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var open int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM attempts WHERE assessment_id=$1 AND status='in_progress'`, a.ID).Scan(&open); err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("assessment %s is being taken: %w", a.ID, ErrAttemptInProgress)
		}
		var duration sql.NullInt64
		if a.DurationMinutes != nil {
			duration = sql.NullInt64{Int64: int64(*a.DurationMinutes), Valid: true}
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO assessments
			(id,course_id,title,kind,duration_minutes,passing_score,max_attempts,shuffle_questions,reveal_answers,created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			ON CONFLICT (id) DO UPDATE SET course_id=excluded.course_id, title=excluded.title, kind=excluded.kind,
			  duration_minutes=excluded.duration_minutes, passing_score=excluded.passing_score,
			  max_attempts=excluded.max_attempts, shuffle_questions=excluded.shuffle_questions,
			  reveal_answers=excluded.reveal_answers`,
			a.ID, a.CourseID, a.Title, string(a.Kind), duration, a.PassingScore, a.MaxAttempts,
			boolInt(a.ShuffleQuestions), boolInt(a.RevealAnswers), time.Now().UnixMilli())
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM questions WHERE assessment_id=$1`, a.ID); err != nil {
			return err
		}
		for _, q := range questions {
			key, err := json.Marshal(q.AnswerKey)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `INSERT INTO questions
				(assessment_id,id,prompt,type,options_json,answer_key_json,points,explanation,position)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				a.ID, q.ID, q.Prompt, string(q.Type), string(q.Options), string(key), q.Points, q.Explanation, q.Position)
			if err != nil {
				return fmt.Errorf("question %s: %w", q.ID, err)
			}
		}
		return nil
	})
}

func (s *SQLStore) GetAssessment(ctx context.Context, id string) (Assessment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,course_id,title,kind,duration_minutes,passing_score,max_attempts,shuffle_questions,reveal_answers
		FROM assessments WHERE id=$1`, id)
	var a Assessment
	var kind string
	var duration sql.NullInt64
	var shuffle, reveal int
	if err := row.Scan(&a.ID, &a.CourseID, &a.Title, &kind, &duration, &a.PassingScore, &a.MaxAttempts, &shuffle, &reveal); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Assessment{}, fmt.Errorf("assessment %s: %w", id, ErrNotFound)
		}
		return Assessment{}, err
	}
	a.Kind = Kind(kind)
	if duration.Valid {
		d := int(duration.Int64)
		a.DurationMinutes = &d
	}
	a.ShuffleQuestions, a.RevealAnswers = shuffle != 0, reveal != 0
	return a, nil
}

func (s *SQLStore) ListQuestions(ctx context.Context, assessmentID string) ([]Question, error) {
	if _, err := s.GetAssessment(ctx, assessmentID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id,assessment_id,prompt,type,options_json,answer_key_json,points,explanation,position
		FROM questions WHERE assessment_id=$1 ORDER BY position, id`, assessmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Question
	for rows.Next() {
		var q Question
		var typ, opts, key string
		if err := rows.Scan(&q.ID, &q.AssessmentID, &q.Prompt, &typ, &opts, &key, &q.Points, &q.Explanation, &q.Position); err != nil {
			return nil, err
		}
		q.Type = QuestionType(typ)
		if opts != "" {
			q.Options = json.RawMessage(opts)
		}
		if err := json.Unmarshal([]byte(key), &q.AnswerKey); err != nil {
			return nil, fmt.Errorf("question %s answer key: %w", q.ID, err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

func (s *SQLStore) StartAttempt(ctx context.Context, assessmentID, learnerID string, maxAttempts int, startedAt time.Time) (Attempt, error) {
	var out Attempt
	err := sqldb.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		var one int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM assessments WHERE id=$1`, assessmentID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("assessment %s: %w", assessmentID, ErrNotFound)
			}
			return err
		}
		var prior, active int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='in_progress' THEN 1 ELSE 0 END),0)
			FROM attempts WHERE assessment_id=$1 AND learner_id=$2`, assessmentID, learnerID).Scan(&prior, &active); err != nil {
			return err
		}
		if active > 0 {
			return ErrAttemptInProgress
		}
		if maxAttempts != UnlimitedAttempts && prior >= maxAttempts {
			return ErrNoAttemptsLeft
		}
		out = Attempt{
			ID:           uuid.NewString(),
			AssessmentID: assessmentID,
			LearnerID:    learnerID,
			Number:       prior + 1,
			Status:       StatusInProgress,
			StartedAt:    time.UnixMilli(startedAt.UnixMilli()).UTC(),
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO attempts (id,assessment_id,learner_id,number,status,started_at)
			VALUES ($1,$2,$3,$4,'in_progress',$5)`,
			out.ID, assessmentID, learnerID, out.Number, out.StartedAt.UnixMilli())
		if sqldb.IsUniqueViolation(err) {
			// a concurrent start won the race
			return ErrAttemptInProgress
		}
		return err
	})
	if err != nil {
		return Attempt{}, err
	}
	return out, nil
}

const attemptCols = `id,assessment_id,learner_id,number,status,score,started_at,finished_at`

func (s *SQLStore) GetAttempt(ctx context.Context, id string) (Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM attempts WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, fmt.Errorf("attempt %s: %w", id, ErrNotFound)
	}
	return a, err
}

func (s *SQLStore) GetActiveAttempt(ctx context.Context, assessmentID, learnerID string) (Attempt, error) {
	a, err := scanAttempt(s.db.QueryRowContext(ctx, `SELECT `+attemptCols+` FROM attempts
		WHERE assessment_id=$1 AND learner_id=$2 AND status='in_progress'`, assessmentID, learnerID))
	if errors.Is(err, sql.ErrNoRows) {
		return Attempt{}, fmt.Errorf("active attempt: %w", ErrNotFound)
	}
	return a, err
}

func (s *SQLStore) ListAttempts(ctx context.Context, opts AttemptListOpts) ([]Attempt, error) {
	var where []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if opts.AssessmentID != "" {
		add("assessment_id=$%d", opts.AssessmentID)
	}
	if opts.LearnerID != "" {
		add("learner_id=$%d", opts.LearnerID)
	}
	if opts.Status != "" {
		add("status=$%d", string(opts.Status))
	}
	q := `SELECT ` + attemptCols + ` FROM attempts`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 1000
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)
	q += fmt.Sprintf(` ORDER BY started_at, number LIMIT $%d OFFSET $%d`, len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListTimedInProgress(ctx context.Context) ([]TimedAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT a.id,a.assessment_id,a.learner_id,a.number,a.status,a.score,a.started_at,a.finished_at,s.duration_minutes
		FROM attempts a JOIN assessments s ON s.id = a.assessment_id
		WHERE a.status='in_progress' AND s.duration_minutes IS NOT NULL AND s.duration_minutes > 0`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TimedAttempt
	for rows.Next() {
		var t TimedAttempt
		var status string
		var score, finished sql.NullInt64
		var started int64
		if err := rows.Scan(&t.Attempt.ID, &t.Attempt.AssessmentID, &t.Attempt.LearnerID, &t.Attempt.Number,
			&status, &score, &started, &finished, &t.DurationMinutes); err != nil {
			return nil, err
		}
		fillAttempt(&t.Attempt, status, score, started, finished)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLStore) SaveAnswer(ctx context.Context, attemptID, questionID string, value json.RawMessage, at time.Time) error {
	return sqldb.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		assessmentID, status, err := attemptState(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if status != StatusInProgress {
			return ErrAttemptClosed
		}
		if err := questionExists(ctx, tx, assessmentID, questionID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO answers (attempt_id,question_id,value_json,points,feedback,updated_at)
			VALUES ($1,$2,$3,0,'',$4)
			ON CONFLICT (attempt_id,question_id) DO UPDATE SET value_json=excluded.value_json, updated_at=excluded.updated_at`,
			attemptID, questionID, string(value), at.UnixMilli())
		return err
	})
}

func (s *SQLStore) ListAnswers(ctx context.Context, attemptID string) ([]Answer, error) {
	if _, err := s.GetAttempt(ctx, attemptID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT attempt_id,question_id,value_json,is_correct,points,feedback,updated_at
		FROM answers WHERE attempt_id=$1 ORDER BY question_id`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Answer, 0)
	for rows.Next() {
		var ans Answer
		var value string
		var correct sql.NullInt64
		var updated int64
		if err := rows.Scan(&ans.AttemptID, &ans.QuestionID, &value, &correct, &ans.Points, &ans.Feedback, &updated); err != nil {
			return nil, err
		}
		ans.Value = json.RawMessage(value)
		if correct.Valid {
			c := correct.Int64 != 0
			ans.IsCorrect = &c
		}
		ans.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, ans)
	}
	return out, rows.Err()
}

func (s *SQLStore) FinalizeAttempt(ctx context.Context, f Finalization) (bool, error) {
	applied := false
	err := sqldb.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE attempts SET status='finished', score=$1, finished_at=$2
			WHERE id=$3 AND status='in_progress'`, f.Score, f.FinishedAt.UnixMilli(), f.AttemptID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			_, _, err := attemptState(ctx, tx, f.AttemptID)
			return err
		}
		for _, g := range f.Graded {
			_, err := tx.ExecContext(ctx, `UPDATE answers SET is_correct=$1, points=$2, feedback=COALESCE(NULLIF($3,''), feedback)
				WHERE attempt_id=$4 AND question_id=$5`,
				nullBool(g.IsCorrect), g.Points, g.Feedback, f.AttemptID, g.QuestionID)
			if err != nil {
				return fmt.Errorf("grade %s: %w", g.QuestionID, err)
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *SQLStore) ApplyManualGrade(ctx context.Context, attemptID, questionID string, g ManualGrade, at time.Time) error {
	return sqldb.WithTx(ctx, s.db, func(tx *sql.Tx) error {
		assessmentID, status, err := attemptState(ctx, tx, attemptID)
		if err != nil {
			return err
		}
		if status != StatusFinished {
			return ErrNotFinished
		}
		if err := questionExists(ctx, tx, assessmentID, questionID); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO answers (attempt_id,question_id,value_json,is_correct,points,feedback,updated_at)
			VALUES ($1,$2,'null',$3,$4,$5,$6)
			ON CONFLICT (attempt_id,question_id) DO UPDATE SET is_correct=excluded.is_correct, points=excluded.points,
			  feedback=excluded.feedback, updated_at=excluded.updated_at`,
			attemptID, questionID, boolInt(g.IsCorrect), g.Points, g.Feedback, at.UnixMilli())
		return err
	})
}

func (s *SQLStore) UpdateScore(ctx context.Context, attemptID string, score int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE attempts SET score=$1 WHERE id=$2 AND status='finished'`, score, attemptID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n > 0 {
		return err
	}
	if _, err := s.GetAttempt(ctx, attemptID); err != nil {
		return err
	}
	return ErrNotFinished
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(sc rowScanner) (Attempt, error) {
	var a Attempt
	var status string
	var score, finished sql.NullInt64
	var started int64
	if err := sc.Scan(&a.ID, &a.AssessmentID, &a.LearnerID, &a.Number, &status, &score, &started, &finished); err != nil {
		return Attempt{}, err
	}
	fillAttempt(&a, status, score, started, finished)
	return a, nil
}

func fillAttempt(a *Attempt, status string, score sql.NullInt64, started int64, finished sql.NullInt64) {
	a.Status = Status(status)
	a.StartedAt = time.UnixMilli(started).UTC()
	if score.Valid {
		v := int(score.Int64)
		a.Score = &v
	}
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		a.FinishedAt = &t
	}
}

func attemptState(ctx context.Context, tx *sql.Tx, attemptID string) (string, Status, error) {
	var assessmentID, status string
	err := tx.QueryRowContext(ctx, `SELECT assessment_id,status FROM attempts WHERE id=$1`, attemptID).Scan(&assessmentID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", fmt.Errorf("attempt %s: %w", attemptID, ErrNotFound)
	}
	return assessmentID, Status(status), err
}

func questionExists(ctx context.Context, tx *sql.Tx, assessmentID, questionID string) error {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM questions WHERE assessment_id=$1 AND id=$2`, assessmentID, questionID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("question %s: %w", questionID, ErrUnknownQuestion)
	}
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullBool(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(boolInt(*b)), Valid: true}
}
