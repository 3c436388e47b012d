package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/MalauD/Pixure/account"
	"github.com/MalauD/Pixure/persistence"
	"github.com/MalauD/Pixure/resource"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/opentracing/opentracing-go"
)

const resourceColumns = "resource_id, storage_id, extension, owner, access, r_public, w_public"

type resourceRow struct {
	ResourceID  string         `db:"resource_id"`
	StorageID   sql.NullString `db:"storage_id"`
	Extension   string         `db:"extension"`
	Owner       string         `db:"owner"`
	Access      string         `db:"access"`
	ReadPublic  bool           `db:"r_public"`
	WritePublic bool           `db:"w_public"`
}

type userRow struct {
	Username   string `db:"username"`
	Credential []byte `db:"credential"`
}

type sqlStore struct {
	db      *sqlx.DB
	handles Handles
}

// NewSQLStore creates a store over db, whose tables must already exist (see
// persistence.CreateDBConnection). Storage handles are rebuilt through handles.
func NewSQLStore(db *sqlx.DB, handles Handles) Store {
	log.WithField("driver", db.DriverName()).Info("Creating SQL metadata store")
	return &sqlStore{db: db, handles: handles}
}

func (s *sqlStore) SaveResource(ctx context.Context, r *resource.Resource) error {
	if err := checkSavable(r); err != nil {
		return err
	}
	row, err := toRow(r)
	if err != nil {
		return dbError("save_resource", err)
	}
	row.ResourceID = uuid.New().String()

	span, ctx := opentracing.StartSpanFromContext(ctx, "sql_save_resource")
	defer span.Finish()
	_, err = s.db.NamedExecContext(ctx, "INSERT INTO resources("+resourceColumns+
		") VALUES(:resource_id, :storage_id, :extension, :owner, :access, :r_public, :w_public)", row)
	if err != nil {
		return dbError("save_resource", err)
	}
	r.ID = row.ResourceID
	return nil
}

func (s *sqlStore) FindResource(ctx context.Context, id string) (*resource.Resource, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "sql_find_resource")
	defer span.Finish()

	row := resourceRow{}
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT "+resourceColumns+" FROM resources WHERE resource_id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrResourceNotFound
	}
	if err != nil {
		return nil, dbError("find_resource", err)
	}
	return s.fromRow(row)
}

func (s *sqlStore) FindOwnedResources(ctx context.Context, owner string, page, pageSize int) ([]*resource.Resource, error) {
	skip, limit := Page(page, pageSize)

	span, ctx := opentracing.StartSpanFromContext(ctx, "sql_find_owned_resources")
	defer span.Finish()

	var rows []resourceRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind("SELECT "+resourceColumns+
		" FROM resources WHERE owner = ? ORDER BY seq LIMIT ? OFFSET ?"), owner, limit, skip)
	if err != nil {
		return nil, dbError("find_owned_resources", err)
	}

	result := make([]*resource.Resource, 0, len(rows))
	for _, row := range rows {
		r, err := s.fromRow(row)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, nil
}

func (s *sqlStore) UpdateResource(ctx context.Context, r *resource.Resource) error {
	if r.ID == "" {
		return ErrMissingIdentifier
	}
	row, err := toRow(r)
	if err != nil {
		return dbError("update_resource", err)
	}

	span, ctx := opentracing.StartSpanFromContext(ctx, "sql_update_resource")
	defer span.Finish()
	res, err := s.db.NamedExecContext(ctx, `UPDATE resources SET storage_id = :storage_id, extension = :extension,
	owner = :owner, access = :access, r_public = :r_public, w_public = :w_public WHERE resource_id = :resource_id`, row)
	if err != nil {
		return dbError("update_resource", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError("update_resource", err)
	}
	if n == 0 {
		return ErrResourceNotFound
	}
	return nil
}

func (s *sqlStore) GetUserByName(ctx context.Context, username string) (*account.User, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "sql_get_user")
	defer span.Finish()

	row := userRow{}
	err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT username, credential FROM users WHERE username = ?"), username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, dbError("get_user", err)
	}
	return &account.User{Username: row.Username, Credential: row.Credential}, nil
}

func (s *sqlStore) SaveUser(ctx context.Context, u *account.User) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "sql_save_user")
	defer span.Finish()

	_, err := s.db.ExecContext(ctx, s.db.Rebind("INSERT INTO users(username, credential) VALUES(?, ?)"),
		u.Username, []byte(u.Credential))
	if persistence.IsUniqueViolation(err) {
		return ErrUserExists
	}
	if err != nil {
		return dbError("save_user", err)
	}
	return nil
}

func (s *sqlStore) UserExists(ctx context.Context, username string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind("SELECT count(*) FROM users WHERE username = ?"), username)
	if err != nil {
		return false, dbError("user_exists", err)
	}
	return count > 0, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func toRow(r *resource.Resource) (resourceRow, error) {
	access, err := json.Marshal(r.Access)
	if err != nil {
		return resourceRow{}, err
	}
	id := storageID(r)
	return resourceRow{
		ResourceID:  r.ID,
		StorageID:   sql.NullString{String: id, Valid: id != ""},
		Extension:   r.ContentType,
		Owner:       r.Owner,
		Access:      string(access),
		ReadPublic:  r.ReadPublic,
		WritePublic: r.WritePublic,
	}, nil
}

func (s *sqlStore) fromRow(row resourceRow) (*resource.Resource, error) {
	h, err := rebuildHandle(s.handles, row.StorageID.String)
	if err != nil {
		return nil, dbError("decode_resource", err)
	}
	r := &resource.Resource{
		ID:          row.ResourceID,
		Storage:     h,
		ContentType: row.Extension,
		Owner:       row.Owner,
		ReadPublic:  row.ReadPublic,
		WritePublic: row.WritePublic,
	}
	if err := json.Unmarshal([]byte(row.Access), &r.Access); err != nil {
		return nil, dbError("decode_resource", err)
	}
	return r, nil
}
