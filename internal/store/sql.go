package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const sqlOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name      string
	driver    string
	blobType  string
	boolType  string
	floatType string
	numbered  bool
	// advisory serializes sibling order assignment across connections.
	advisory bool
}

var (
	postgresDialect = sqlDialect{
		name:      "postgres",
		driver:    "postgres",
		blobType:  "BYTEA",
		boolType:  "BOOLEAN",
		floatType: "DOUBLE PRECISION",
		numbered:  true,
		advisory:  true,
	}
	sqliteDialect = sqlDialect{
		name:      "sqlite",
		driver:    "sqlite3",
		blobType:  "BLOB",
		boolType:  "INTEGER",
		floatType: "REAL",
	}
)

// rebind rewrites ? placeholders into $n for dialects that number them.
func (d sqlDialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLStore implements Store on Postgres (lib/pq) or SQLite (go-sqlite3).
// The schema is created lazily on first use.
type SQLStore struct {
	dsn         string
	dialect     sqlDialect
	tablePrefix string
	openDB      sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{dsn: dsn, dialect: postgresDialect, openDB: sql.Open}, nil
}

// NewSQLiteStore opens the database file at path, creating it when missing.
func NewSQLiteStore(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	dsn := "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL"
	return &SQLStore{dsn: dsn, dialect: sqliteDialect, openDB: sql.Open}, nil
}

func (s *SQLStore) Ready(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) table(name string) string {
	return sqlQuoteIdentifier(s.tablePrefix + name)
}

func (s *SQLStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.name == sqliteDialect.name {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()
		for _, stmt := range s.schema() {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("create schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *SQLStore) schema() []string {
	d := s.dialect
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			owner_id TEXT NOT NULL
		)`, s.table("projects")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			project_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			PRIMARY KEY (project_id, user_id)
		)`, s.table("project_collaborators")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			sort_order INTEGER NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, s.table("pages")),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			page_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			sort_order INTEGER NOT NULL,
			width %s NOT NULL,
			height %s NOT NULL,
			unit TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, s.table("canvases"), d.floatType, d.floatType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			canvas_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			name TEXT NOT NULL,
			sort_order INTEGER NOT NULL,
			layer_type TEXT NOT NULL,
			blend_mode TEXT NOT NULL,
			opacity INTEGER NOT NULL,
			is_visible %s NOT NULL,
			is_locked %s NOT NULL,
			data %s,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`, s.table("layers"), d.boolType, d.boolType, d.blobType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			data %s NOT NULL,
			updated_at BIGINT NOT NULL
		)`, s.table("documents"), d.blobType),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (project_id)`, sqlQuoteIdentifier(s.tablePrefix+"pages_project_idx"), s.table("pages")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (page_id)`, sqlQuoteIdentifier(s.tablePrefix+"canvases_page_idx"), s.table("canvases")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (canvas_id)`, sqlQuoteIdentifier(s.tablePrefix+"layers_canvas_idx"), s.table("layers")),
	}
}

func (s *SQLStore) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if err := s.ensureReady(); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	return ctx, cancel, nil
}

func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *SQLStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return Project{}, err
	}
	defer cancel()

	var p Project
	query := s.dialect.rebind(fmt.Sprintf("SELECT id, name, owner_id FROM %s WHERE id = ?", s.table("projects")))
	err = s.db.QueryRowContext(ctx, query, projectID).Scan(&p.ID, &p.Name, &p.OwnerID)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	query = s.dialect.rebind(fmt.Sprintf("SELECT user_id, role FROM %s WHERE project_id = ? ORDER BY user_id", s.table("project_collaborators")))
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return Project{}, err
	}
	defer rows.Close()
	p.Collaborators = make([]Collaborator, 0)
	for rows.Next() {
		var c Collaborator
		var role string
		if err := rows.Scan(&c.UserID, &role); err != nil {
			return Project{}, err
		}
		c.Role = Role(role)
		p.Collaborators = append(p.Collaborators, c)
	}
	return p, rows.Err()
}

func (s *SQLStore) PutProject(ctx context.Context, project Project) error {
	if strings.TrimSpace(project.ID) == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidInput)
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	project = dedupeCollaborators(project)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		upsert := s.dialect.rebind(fmt.Sprintf(`
			INSERT INTO %s (id, name, owner_id) VALUES (?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET name = excluded.name, owner_id = excluded.owner_id`, s.table("projects")))
		if _, err := tx.ExecContext(ctx, upsert, project.ID, project.Name, project.OwnerID); err != nil {
			return err
		}
		reset := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE project_id = ?", s.table("project_collaborators")))
		if _, err := tx.ExecContext(ctx, reset, project.ID); err != nil {
			return err
		}
		insert := s.dialect.rebind(fmt.Sprintf("INSERT INTO %s (project_id, user_id, role) VALUES (?, ?, ?)", s.table("project_collaborators")))
		for _, c := range project.Collaborators {
			if _, err := tx.ExecContext(ctx, insert, project.ID, c.UserID, string(c.Role)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *SQLStore) DeleteProject(ctx context.Context, projectID string) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		reset := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE project_id = ?", s.table("project_collaborators")))
		if _, err := tx.ExecContext(ctx, reset, projectID); err != nil {
			return err
		}
		del := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table("projects")))
		return expectAffected(tx.ExecContext(ctx, del, projectID))
	})
}

func (s *SQLStore) UpsertCollaborator(ctx context.Context, projectID string, collaborator Collaborator) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireRow(ctx, tx, "projects", projectID); err != nil {
			return err
		}
		upsert := s.dialect.rebind(fmt.Sprintf(`
			INSERT INTO %s (project_id, user_id, role) VALUES (?, ?, ?)
			ON CONFLICT (project_id, user_id) DO UPDATE SET role = excluded.role`, s.table("project_collaborators")))
		_, err := tx.ExecContext(ctx, upsert, projectID, collaborator.UserID, string(collaborator.Role))
		return err
	})
}

func (s *SQLStore) RemoveCollaborator(ctx context.Context, projectID, userID string) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.requireRow(ctx, tx, "projects", projectID); err != nil {
			return err
		}
		del := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE project_id = ? AND user_id = ?", s.table("project_collaborators")))
		_, err := tx.ExecContext(ctx, del, projectID, userID)
		return err
	})
}

const (
	pageColumns   = "id, project_id, name, sort_order, created_at, updated_at"
	canvasColumns = "id, page_id, project_id, name, sort_order, width, height, unit, created_at, updated_at"
	layerColumns  = "id, canvas_id, project_id, name, sort_order, layer_type, blend_mode, opacity, is_visible, is_locked, created_at, updated_at"
)

func scanPage(row rowScanner) (Page, error) {
	var p Page
	var created, updated int64
	if err := row.Scan(&p.ID, &p.ProjectID, &p.Name, &p.Order, &created, &updated); err != nil {
		return Page{}, err
	}
	p.CreatedAt, p.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
	return p, nil
}

func scanCanvas(row rowScanner) (Canvas, error) {
	var c Canvas
	var unit string
	var created, updated int64
	if err := row.Scan(&c.ID, &c.PageID, &c.ProjectID, &c.Name, &c.Order, &c.Width, &c.Height, &unit, &created, &updated); err != nil {
		return Canvas{}, err
	}
	c.Unit = Unit(unit)
	c.CreatedAt, c.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
	return c, nil
}

func scanLayer(row rowScanner) (Layer, error) {
	var l Layer
	var layerType, blend string
	var created, updated int64
	if err := row.Scan(&l.ID, &l.CanvasID, &l.ProjectID, &l.Name, &l.Order, &layerType, &blend, &l.Opacity, &l.Visible, &l.Locked, &created, &updated); err != nil {
		return Layer{}, err
	}
	l.Type, l.BlendMode = LayerType(layerType), BlendMode(blend)
	l.CreatedAt, l.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
	return l, nil
}

func (s *SQLStore) ListPages(ctx context.Context, projectID string) ([]Page, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	query := s.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE project_id = ? ORDER BY sort_order, created_at, id", pageColumns, s.table("pages")))
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Page, 0)
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListCanvases(ctx context.Context, projectID string) ([]Canvas, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	query := s.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE project_id = ? ORDER BY sort_order, created_at, id", canvasColumns, s.table("canvases")))
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Canvas, 0)
	for rows.Next() {
		c, err := scanCanvas(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLStore) ListLayers(ctx context.Context, projectID string) ([]Layer, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	query := s.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE project_id = ? ORDER BY sort_order, created_at, id", layerColumns, s.table("layers")))
	rows, err := s.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Layer, 0)
	for rows.Next() {
		l, err := scanLayer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLStore) getPage(ctx context.Context, q queryRower, projectID, pageID string) (Page, error) {
	query := s.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND project_id = ?", pageColumns, s.table("pages")))
	p, err := scanPage(q.QueryRowContext(ctx, query, pageID, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return Page{}, ErrNotFound
	}
	return p, err
}

func (s *SQLStore) getCanvas(ctx context.Context, q queryRower, projectID, canvasID string) (Canvas, error) {
	query := s.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND project_id = ?", canvasColumns, s.table("canvases")))
	c, err := scanCanvas(q.QueryRowContext(ctx, query, canvasID, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return Canvas{}, ErrNotFound
	}
	return c, err
}

func (s *SQLStore) getLayer(ctx context.Context, q queryRower, projectID, layerID string) (Layer, error) {
	query := s.dialect.rebind(fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND project_id = ?", layerColumns, s.table("layers")))
	l, err := scanLayer(q.QueryRowContext(ctx, query, layerID, projectID))
	if errors.Is(err, sql.ErrNoRows) {
		return Layer{}, ErrNotFound
	}
	return l, err
}

func (s *SQLStore) GetPage(ctx context.Context, projectID, pageID string) (Page, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return Page{}, err
	}
	defer cancel()
	return s.getPage(ctx, s.db, projectID, pageID)
}

func (s *SQLStore) GetCanvas(ctx context.Context, projectID, canvasID string) (Canvas, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return Canvas{}, err
	}
	defer cancel()
	return s.getCanvas(ctx, s.db, projectID, canvasID)
}

func (s *SQLStore) GetLayer(ctx context.Context, projectID, layerID string) (Layer, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return Layer{}, err
	}
	defer cancel()
	return s.getLayer(ctx, s.db, projectID, layerID)
}

// nextOrder returns the order for a new child of parentID. It must run inside
// the transaction that inserts the child.
func (s *SQLStore) nextOrder(ctx context.Context, tx *sql.Tx, table, parentColumn, parentID string) (int, error) {
	if s.dialect.advisory {
		if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", sqlLockKey(s.tablePrefix+table, parentID)); err != nil {
			return 0, err
		}
	}
	query := s.dialect.rebind(fmt.Sprintf("SELECT COALESCE(MAX(sort_order) + 1, 0) FROM %s WHERE %s = ?", s.table(table), parentColumn))
	var next int
	if err := tx.QueryRowContext(ctx, query, parentID).Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *SQLStore) CreatePage(ctx context.Context, page Page) (Page, error) {
	if strings.TrimSpace(page.ID) == "" || strings.TrimSpace(page.ProjectID) == "" || strings.TrimSpace(page.Name) == "" {
		return Page{}, fmt.Errorf("%w: page id, project and name are required", ErrInvalidInput)
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return Page{}, err
	}
	defer cancel()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		order, err := s.nextOrder(ctx, tx, "pages", "project_id", page.ProjectID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		page.Order = order
		page.CreatedAt, page.UpdatedAt = now, now
		insert := s.dialect.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?)", s.table("pages"), pageColumns))
		_, err = tx.ExecContext(ctx, insert, page.ID, page.ProjectID, page.Name, page.Order, now.UnixNano(), now.UnixNano())
		return err
	})
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

func (s *SQLStore) CreateCanvas(ctx context.Context, canvas Canvas) (Canvas, error) {
	if strings.TrimSpace(canvas.ID) == "" || strings.TrimSpace(canvas.PageID) == "" {
		return Canvas{}, fmt.Errorf("%w: canvas id and page are required", ErrInvalidInput)
	}
	if err := normalizeCanvas(&canvas); err != nil {
		return Canvas{}, err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return Canvas{}, err
	}
	defer cancel()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		projectID, err := s.parentProject(ctx, tx, "pages", canvas.PageID)
		if err != nil {
			return err
		}
		order, err := s.nextOrder(ctx, tx, "canvases", "page_id", canvas.PageID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		canvas.ProjectID = projectID
		canvas.Order = order
		canvas.CreatedAt, canvas.UpdatedAt = now, now
		insert := s.dialect.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", s.table("canvases"), canvasColumns))
		_, err = tx.ExecContext(ctx, insert, canvas.ID, canvas.PageID, canvas.ProjectID, canvas.Name, canvas.Order,
			canvas.Width, canvas.Height, string(canvas.Unit), now.UnixNano(), now.UnixNano())
		return err
	})
	if err != nil {
		return Canvas{}, err
	}
	return canvas, nil
}

func (s *SQLStore) CreateLayer(ctx context.Context, layer Layer) (Layer, error) {
	if strings.TrimSpace(layer.ID) == "" || strings.TrimSpace(layer.CanvasID) == "" {
		return Layer{}, fmt.Errorf("%w: layer id and canvas are required", ErrInvalidInput)
	}
	if err := normalizeLayer(&layer); err != nil {
		return Layer{}, err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return Layer{}, err
	}
	defer cancel()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		projectID, err := s.parentProject(ctx, tx, "canvases", layer.CanvasID)
		if err != nil {
			return err
		}
		order, err := s.nextOrder(ctx, tx, "layers", "canvas_id", layer.CanvasID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		layer.ProjectID = projectID
		layer.Order = order
		layer.CreatedAt, layer.UpdatedAt = now, now
		insert := s.dialect.rebind(fmt.Sprintf("INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)", s.table("layers"), layerColumns))
		_, err = tx.ExecContext(ctx, insert, layer.ID, layer.CanvasID, layer.ProjectID, layer.Name, layer.Order,
			string(layer.Type), string(layer.BlendMode), layer.Opacity, layer.Visible, layer.Locked, now.UnixNano(), now.UnixNano())
		return err
	})
	if err != nil {
		return Layer{}, err
	}
	return layer, nil
}

func (s *SQLStore) UpdatePage(ctx context.Context, projectID, pageID string, patch PagePatch) (Page, error) {
	if err := patch.Validate(); err != nil {
		return Page{}, err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return Page{}, err
	}
	defer cancel()
	var page Page
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getPage(ctx, tx, projectID, pageID)
		if err != nil {
			return err
		}
		patch.apply(&current)
		current.UpdatedAt = time.Now().UTC()
		update := s.dialect.rebind(fmt.Sprintf("UPDATE %s SET name = ?, sort_order = ?, updated_at = ? WHERE id = ?", s.table("pages")))
		if _, err := tx.ExecContext(ctx, update, current.Name, current.Order, current.UpdatedAt.UnixNano(), current.ID); err != nil {
			return err
		}
		page = current
		return nil
	})
	return page, err
}

func (s *SQLStore) UpdateCanvas(ctx context.Context, projectID, canvasID string, patch CanvasPatch) (Canvas, error) {
	if err := patch.Validate(); err != nil {
		return Canvas{}, err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return Canvas{}, err
	}
	defer cancel()
	var canvas Canvas
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getCanvas(ctx, tx, projectID, canvasID)
		if err != nil {
			return err
		}
		patch.apply(&current)
		current.UpdatedAt = time.Now().UTC()
		update := s.dialect.rebind(fmt.Sprintf(
			"UPDATE %s SET name = ?, sort_order = ?, width = ?, height = ?, unit = ?, updated_at = ? WHERE id = ?", s.table("canvases")))
		if _, err := tx.ExecContext(ctx, update, current.Name, current.Order, current.Width, current.Height,
			string(current.Unit), current.UpdatedAt.UnixNano(), current.ID); err != nil {
			return err
		}
		canvas = current
		return nil
	})
	return canvas, err
}

func (s *SQLStore) UpdateLayer(ctx context.Context, projectID, layerID string, patch LayerPatch) (Layer, error) {
	if err := patch.Validate(); err != nil {
		return Layer{}, err
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return Layer{}, err
	}
	defer cancel()
	var layer Layer
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		current, err := s.getLayer(ctx, tx, projectID, layerID)
		if err != nil {
			return err
		}
		patch.apply(&current)
		current.UpdatedAt = time.Now().UTC()
		update := s.dialect.rebind(fmt.Sprintf(`UPDATE %s SET name = ?, sort_order = ?, layer_type = ?, blend_mode = ?,
			opacity = ?, is_visible = ?, is_locked = ?, updated_at = ? WHERE id = ?`, s.table("layers")))
		if _, err := tx.ExecContext(ctx, update, current.Name, current.Order, string(current.Type), string(current.BlendMode),
			current.Opacity, current.Visible, current.Locked, current.UpdatedAt.UnixNano(), current.ID); err != nil {
			return err
		}
		layer = current
		return nil
	})
	return layer, err
}

func (s *SQLStore) CanvasIDsByPage(ctx context.Context, pageID string) ([]string, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	query := s.dialect.rebind(fmt.Sprintf("SELECT id FROM %s WHERE page_id = ? ORDER BY id", s.table("canvases")))
	return s.queryIDs(ctx, query, pageID)
}

func (s *SQLStore) LayerIDsByCanvases(ctx context.Context, canvasIDs []string) ([]string, error) {
	if len(canvasIDs) == 0 {
		return []string{}, nil
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	placeholders, args := inClause(canvasIDs)
	query := s.dialect.rebind(fmt.Sprintf("SELECT id FROM %s WHERE canvas_id IN (%s) ORDER BY id", s.table("layers"), placeholders))
	return s.queryIDs(ctx, query, args...)
}

func (s *SQLStore) DeleteLayersByCanvases(ctx context.Context, canvasIDs []string) (int, error) {
	if len(canvasIDs) == 0 {
		return 0, nil
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	placeholders, args := inClause(canvasIDs)
	docs := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE canvas_id IN (%s))",
		s.table("documents"), s.table("layers"), placeholders))
	del := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE canvas_id IN (%s)", s.table("layers"), placeholders))
	return s.deleteWithDocuments(ctx, docs, del, args...)
}

// deleteWithDocuments drops the document rows selected by docs and then the
// tree rows selected by del, both bound to args, in one transaction.
func (s *SQLStore) deleteWithDocuments(ctx context.Context, docs, del string, args ...any) (int, error) {
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, docs, args...); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, del, args...)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

func (s *SQLStore) DeleteCanvasesByPage(ctx context.Context, pageID string) (int, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer cancel()
	docs := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE id IN (SELECT id FROM %s WHERE page_id = ?)",
		s.table("documents"), s.table("canvases")))
	del := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE page_id = ?", s.table("canvases")))
	return s.deleteWithDocuments(ctx, docs, del, pageID)
}

func (s *SQLStore) DeletePage(ctx context.Context, projectID, pageID string) error {
	return s.deleteScoped(ctx, "pages", projectID, pageID)
}

func (s *SQLStore) DeleteCanvas(ctx context.Context, projectID, canvasID string) error {
	return s.deleteScoped(ctx, "canvases", projectID, canvasID)
}

func (s *SQLStore) DeleteLayer(ctx context.Context, projectID, layerID string) error {
	return s.deleteScoped(ctx, "layers", projectID, layerID)
}

func (s *SQLStore) deleteScoped(ctx context.Context, table, projectID, id string) error {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	del := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ? AND project_id = ?", s.table(table)))
	docs := s.dialect.rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table("documents")))
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := expectAffected(tx.ExecContext(ctx, del, id, projectID)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, docs, id)
		return err
	})
}

func (s *SQLStore) DocumentProject(ctx context.Context, documentID string) (string, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return "", err
	}
	defer cancel()
	for _, table := range []string{"layers", "canvases", "pages"} {
		query := s.dialect.rebind(fmt.Sprintf("SELECT project_id FROM %s WHERE id = ?", s.table(table)))
		var projectID string
		err := s.db.QueryRowContext(ctx, query, documentID).Scan(&projectID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return "", err
		}
		return projectID, nil
	}
	return "", ErrNotFound
}

func (s *SQLStore) LoadSnapshot(ctx context.Context, documentID string) ([]byte, error) {
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()
	var data []byte
	query := s.dialect.rebind(fmt.Sprintf("SELECT data FROM %s WHERE id = ?", s.table("layers")))
	err = s.db.QueryRowContext(ctx, query, documentID).Scan(&data)
	if err == nil && data != nil {
		return data, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	query = s.dialect.rebind(fmt.Sprintf("SELECT data FROM %s WHERE id = ?", s.table("documents")))
	err = s.db.QueryRowContext(ctx, query, documentID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, documentID string, data []byte) error {
	if strings.TrimSpace(documentID) == "" {
		return ErrInvalidInput
	}
	ctx, cancel, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if data == nil {
		data = []byte{}
	}
	now := time.Now().UTC().UnixNano()
	update := s.dialect.rebind(fmt.Sprintf("UPDATE %s SET data = ?, updated_at = ? WHERE id = ?", s.table("layers")))
	upsert := s.dialect.rebind(fmt.Sprintf(`
		INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`, s.table("documents")))
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, update, data, now, documentID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n > 0 {
			return nil
		}
		// Only canvases and pages own a documents row.
		if err := s.requireRow(ctx, tx, "canvases", documentID); errors.Is(err, ErrNotFound) {
			if err := s.requireRow(ctx, tx, "pages", documentID); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, upsert, documentID, data, now)
		return err
	})
}

func (s *SQLStore) parentProject(ctx context.Context, tx *sql.Tx, table, id string) (string, error) {
	query := s.dialect.rebind(fmt.Sprintf("SELECT project_id FROM %s WHERE id = ?", s.table(table)))
	var projectID string
	err := tx.QueryRowContext(ctx, query, id).Scan(&projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return projectID, err
}

func (s *SQLStore) requireRow(ctx context.Context, tx *sql.Tx, table, id string) error {
	query := s.dialect.rebind(fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", s.table(table)))
	var one int
	err := tx.QueryRowContext(ctx, query, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *SQLStore) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func expectAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func inClause(values []string) (string, []any) {
	marks := make([]string, len(values))
	args := make([]any, len(values))
	for i, v := range values {
		marks[i] = "?"
		args[i] = v
	}
	return strings.Join(marks, ", "), args
}

func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func sqlLockKey(table, parentID string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(table)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(parentID)))
	return int64(hasher.Sum64())
}
