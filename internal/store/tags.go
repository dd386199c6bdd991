package store

import "context"

// TagKind distinguishes user-assigned tags from tags synthesized from Docker
// labels by the Event & State Pipeline.
type TagKind string

const (
	TagKindUser   TagKind = "user"
	TagKindSystem TagKind = "system"
)

type Tag struct {
	ID    int64   `db:"id"`
	Name  string  `db:"name"`
	Color string  `db:"color"`
	Kind  TagKind `db:"kind"`
}

// SubjectType is what a TagAssignment attaches to: a host or a container
// (addressed by its composite key).
type SubjectType string

const (
	SubjectHost      SubjectType = "host"
	SubjectContainer SubjectType = "container"
)

type TagAssignment struct {
	TagID       int64       `db:"tag_id"`
	SubjectType SubjectType `db:"subject_type"`
	SubjectID   string      `db:"subject_id"`
	OrderIndex  int         `db:"order_index"`
	Provenance  string      `db:"provenance"`
}

type TagRepo struct{ s *Store }

func (s *Store) Tags() *TagRepo { return &TagRepo{s} }

func (r *TagRepo) Create(ctx context.Context, t *Tag) (int64, error) {
	var id int64
	err := r.s.withTx(ctx, func(tx txExec) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO tags (name, color, kind) VALUES (?, ?, ?)`, t.Name, t.Color, t.Kind)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// Assign attaches a tag to a subject. order_index is computed as the next
// free slot for that subject so the first assignment is always the primary
// tag.
func (r *TagRepo) Assign(ctx context.Context, tagID int64, subjectType SubjectType, subjectID, provenance string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		var maxOrder int
		row := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(order_index), -1) FROM tag_assignments WHERE subject_type = ? AND subject_id = ?`,
			subjectType, subjectID)
		if err := row.Scan(&maxOrder); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tag_assignments (tag_id, subject_type, subject_id, order_index, provenance)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(tag_id, subject_type, subject_id) DO NOTHING`,
			tagID, subjectType, subjectID, maxOrder+1, provenance)
		return err
	})
}

func (r *TagRepo) Unassign(ctx context.Context, tagID int64, subjectType SubjectType, subjectID string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM tag_assignments WHERE tag_id = ? AND subject_type = ? AND subject_id = ?`,
			tagID, subjectType, subjectID)
		return err
	})
}

// EffectiveTags returns, in primary-first order, every tag name assigned to
// a subject — the union of user TagAssignments the Alert Engine and Event
// Pipeline both consult for tag-scoped matching.
func (r *TagRepo) EffectiveTags(ctx context.Context, subjectType SubjectType, subjectID string) ([]string, error) {
	var names []string
	err := r.s.db.SelectContext(ctx, &names, `
		SELECT t.name FROM tag_assignments ta
		JOIN tags t ON t.id = ta.tag_id
		WHERE ta.subject_type = ? AND ta.subject_id = ?
		ORDER BY ta.order_index ASC`, subjectType, subjectID)
	return names, err
}

// ReassignSubject moves every tag_assignment row from oldSubjectID to
// newSubjectID, used by the Update Pipeline's tag migration (spec §4.6
// step 6). If newSubjectID already has assignments (created by
// reattachment-on-discovery), the old rows are dropped as orphans instead of
// causing a UNIQUE violation; a uniqueness violation encountered mid-UPDATE
// is itself treated as success per spec's integrity-as-success rule.
func (r *TagRepo) ReassignSubject(ctx context.Context, subjectType SubjectType, oldSubjectID, newSubjectID string) error {
	return r.s.withTx(ctx, func(tx txExec) error {
		var existing int
		row := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM tag_assignments WHERE subject_type = ? AND subject_id = ?`,
			subjectType, newSubjectID)
		if err := row.Scan(&existing); err != nil {
			return err
		}
		if existing > 0 {
			_, err := tx.ExecContext(ctx, `
				DELETE FROM tag_assignments WHERE subject_type = ? AND subject_id = ?`,
				subjectType, oldSubjectID)
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE tag_assignments SET subject_id = ? WHERE subject_type = ? AND subject_id = ?`,
			newSubjectID, subjectType, oldSubjectID)
		if err != nil && isUniqueViolation(err) {
			// A concurrent reattachment raced us between the COUNT and the
			// UPDATE; per spec this integrity error is the success path.
			return nil
		}
		return err
	})
}
