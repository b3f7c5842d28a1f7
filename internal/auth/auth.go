package auth

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"hash/crc32"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"rastro.dev/paletrack/internal/util"
)

// Verifier validates a bearer credential presented at connect time and
// returns the stable user id it belongs to. The streaming layer depends on
// this interface only.
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

var ErrInvalidToken = errors.New("auth: invalid or expired token")
var errUserInvalid = errors.New("auth: unknown user or wrong password")
var errUserSuspended = errors.New("auth: user suspended")

// PgAuth issues and validates bearer tokens backed by the account and
// session tables.
type PgAuth struct {
	db *pgxpool.Pool
	*validator.Validate
	logger   zerolog.Logger
	tokenTtl time.Duration
}

func New(db *pgxpool.Pool) *PgAuth {
	a := &PgAuth{db: db, Validate: validator.New(), tokenTtl: 24 * time.Hour}
	a.logger = log.With().Str("module", "auth").Logger()
	return a
}

type SignupRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type AuthResponse struct {
	Ok     bool   `json:"ok"`
	UserId string `json:"userId,omitempty"`
	Token  string `json:"token,omitempty"`
}

func (a *PgAuth) Signup(w http.ResponseWriter, r *http.Request) {
	req := SignupRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = a.Validate.Struct(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := util.GenUUID()
	_, err = a.db.Exec(r.Context(),
		`INSERT INTO account (id,username,password,created_at) VALUES($1,$2,$3,now())`,
		id, req.Username, util.CryptPwd(req.Password))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			w.WriteHeader(http.StatusConflict)
			util.JsonWrite(w, AuthResponse{Ok: false})
			return
		}
		panic(err)
	}
	util.JsonWrite(w, AuthResponse{Ok: true, UserId: id})
}

func (a *PgAuth) Login(w http.ResponseWriter, r *http.Request) {
	req := LoginRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = a.Validate.Struct(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	uid, token, err := a.login(r.Context(), req.Username, req.Password)
	if err != nil {
		a.logger.Debug().Err(err).Str("username", req.Username).Msg("login rejected")
		w.WriteHeader(http.StatusUnauthorized)
		util.JsonWrite(w, AuthResponse{Ok: false})
		return
	}
	util.JsonWrite(w, AuthResponse{Ok: true, UserId: uid, Token: token})
}

func (a *PgAuth) login(ctx context.Context, username, password string) (string, string, error) {
	var id, hashpwd string
	var suspended bool
	row := a.db.QueryRow(ctx, `SELECT id,"password",suspended FROM account WHERE username = $1`, username)
	err := row.Scan(&id, &hashpwd, &suspended)
	if err == pgx.ErrNoRows {
		return "", "", errUserInvalid
	} else if err != nil {
		panic(err)
	}
	if suspended {
		return "", "", errUserSuspended
	}
	err = bcrypt.CompareHashAndPassword([]byte(hashpwd), []byte(password))
	if err != nil {
		return "", "", errUserInvalid
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], crc32.ChecksumIEEE([]byte(username)))
	token := util.GenRandomString(prefix[:], 24)
	_, err = a.db.Exec(ctx,
		`INSERT INTO session (token,account_id,created_at,valid_until) VALUES($1,$2,now(),$3)`,
		token, id, time.Now().Add(a.tokenTtl))
	if err != nil {
		panic(err)
	}
	return id, token, nil
}

func (a *PgAuth) Verify(ctx context.Context, token string) (string, error) {
	var uid string
	row := a.db.QueryRow(ctx, `SELECT account.id
	FROM account INNER JOIN session ON session.account_id = account.id
	WHERE session.token = $1
	AND session.valid_until > now()
	AND NOT account.suspended`, token)
	err := row.Scan(&uid)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", ErrInvalidToken
		}
		panic(err)
	}
	return uid, nil
}

// MockVerifier accepts any non-empty token and uses it as the user id.
// Only for local runs without a database.
type MockVerifier struct{}

func (MockVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrInvalidToken
	}
	return token, nil
}
