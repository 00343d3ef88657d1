// Package carvid implements the identity registry: an NFT per identity with a
// mutable profile and a capability-scoped access list.
package carvid

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"

	"agentforge/pkg/events"
	"agentforge/pkg/revert"
	"agentforge/pkg/state"

	"github.com/ethereum/go-ethereum/common"
)

// InitialReputation is the score every identity starts with. Nothing changes it.
const InitialReputation = 50

const schema = `
CREATE TABLE IF NOT EXISTS carvid_tokens (
	carv_id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	metadata_uri TEXT NOT NULL,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	reputation INTEGER NOT NULL,
	approved TEXT NOT NULL DEFAULT '',
	minted_seq INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_carvid_tokens_owner ON carvid_tokens(owner);
CREATE TABLE IF NOT EXISTS carvid_operators (
	owner TEXT NOT NULL,
	operator TEXT NOT NULL,
	PRIMARY KEY (owner, operator)
);
CREATE TABLE IF NOT EXISTS carvid_access (
	carv_id TEXT NOT NULL,
	grantee TEXT NOT NULL,
	data_type TEXT NOT NULL,
	granted INTEGER NOT NULL,
	PRIMARY KEY (carv_id, grantee, data_type)
);
`

// Profile is the mutable part of an identity.
type Profile struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	ReputationScore uint64 `json:"reputationScore"`
}

// Identity is the full record of one minted token.
type Identity struct {
	CarvID      *big.Int       `json:"carvId"`
	Owner       common.Address `json:"owner"`
	MetadataURI string         `json:"metadataURI"`
	Approved    common.Address `json:"approved"`
	Profile     Profile        `json:"profile"`
}

// Registry is the identity registry bound to a store.
type Registry struct {
	store    *state.Store
	contract events.Contract
	logger   *slog.Logger
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// New binds the registry to store, emitting logs from address.
func New(ctx context.Context, store *state.Store, address common.Address, opts ...Option) (*Registry, error) {
	if err := store.EnsureSchema(ctx, schema); err != nil {
		return nil, fmt.Errorf("carvid: %w", err)
	}
	r := &Registry{
		store:    store,
		contract: events.CarvID(address),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Registry) Address() common.Address { return r.contract.Address }

func (r *Registry) emit(tx *state.Tx, event string, args ...interface{}) error {
	lg, err := r.contract.Encode(event, args...)
	if err != nil {
		return revert.Wrap(err, revert.Internal, "encode "+event)
	}
	return tx.Emit(lg)
}

func tokenKey(carvID *big.Int) (string, error) {
	if carvID == nil {
		return "", revert.New(revert.InvalidArgument, "carvId is required")
	}
	return state.FormatU256(carvID)
}

type tokenRow struct {
	owner    common.Address
	approved common.Address
}

// loadToken reads the current owner inside tx. Authorization always goes
// through here so a transfer takes effect on the very next call.
func loadToken(tx *state.Tx, key string) (tokenRow, error) {
	var owner, approved string
	err := tx.QueryRow("SELECT owner, approved FROM carvid_tokens WHERE carv_id = ?", key).Scan(&owner, &approved)
	if state.IsNoRows(err) {
		return tokenRow{}, revert.Newf(revert.NotFound, "carvId %s is not minted", key)
	}
	if err != nil {
		return tokenRow{}, revert.Wrap(err, revert.Internal, "load token")
	}
	row := tokenRow{owner: common.HexToAddress(owner)}
	if approved != "" {
		row.approved = common.HexToAddress(approved)
	}
	return row, nil
}

func requireOwner(tx *state.Tx, key string) error {
	tok, err := loadToken(tx, key)
	if err != nil {
		return err
	}
	if tok.owner != tx.From() {
		return revert.Newf(revert.Unauthorized, "caller %s is not the owner of carvId %s", tx.From().Hex(), key)
	}
	return nil
}

// Mint creates identity carvID owned by to. Anyone may mint any unused id.
func (r *Registry) Mint(ctx context.Context, caller, to common.Address, carvID *big.Int, metadataURI, name, description string) (*state.Receipt, error) {
	key, err := tokenKey(carvID)
	if err != nil {
		return nil, err
	}
	if to == (common.Address{}) {
		return nil, revert.New(revert.InvalidArgument, "cannot mint to the zero address")
	}
	rc, err := r.store.Transact(ctx, caller, "mint", func(tx *state.Tx) error {
		var exists int
		err := tx.QueryRow("SELECT 1 FROM carvid_tokens WHERE carv_id = ?", key).Scan(&exists)
		if err == nil {
			return revert.Newf(revert.DuplicateToken, "carvId %s already minted", key)
		}
		if !state.IsNoRows(err) {
			return revert.Wrap(err, revert.Internal, "check token")
		}
		if _, err := tx.Exec(`
			INSERT INTO carvid_tokens (carv_id, owner, metadata_uri, name, description, reputation, minted_seq)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			key, to.Hex(), metadataURI, name, description, InitialReputation, tx.Seq()); err != nil {
			return revert.Wrap(err, revert.Internal, "insert token")
		}
		return r.emit(tx, "Transfer", common.Address{}, to, carvID)
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("identity minted", "carvId", key, "owner", to.Hex())
	return rc, nil
}

// UpdateProfile overwrites name and description. The reputation score is left alone.
func (r *Registry) UpdateProfile(ctx context.Context, caller common.Address, carvID *big.Int, name, description string) (*state.Receipt, error) {
	key, err := tokenKey(carvID)
	if err != nil {
		return nil, err
	}
	return r.store.Transact(ctx, caller, "updateProfile", func(tx *state.Tx) error {
		if err := requireOwner(tx, key); err != nil {
			return err
		}
		if _, err := tx.Exec("UPDATE carvid_tokens SET name = ?, description = ? WHERE carv_id = ?", name, description, key); err != nil {
			return revert.Wrap(err, revert.Internal, "update profile")
		}
		return r.emit(tx, "ProfileUpdated", carvID, name, description)
	})
}

// GrantAccess lets grantee read dataType of carvID. Granting twice is a no-op.
func (r *Registry) GrantAccess(ctx context.Context, caller common.Address, carvID *big.Int, grantee common.Address, dataType common.Hash) (*state.Receipt, error) {
	return r.setAccess(ctx, caller, carvID, grantee, dataType, true)
}

// RevokeAccess clears a grant. Revoking an absent grant is a no-op.
func (r *Registry) RevokeAccess(ctx context.Context, caller common.Address, carvID *big.Int, grantee common.Address, dataType common.Hash) (*state.Receipt, error) {
	return r.setAccess(ctx, caller, carvID, grantee, dataType, false)
}

func (r *Registry) setAccess(ctx context.Context, caller common.Address, carvID *big.Int, grantee common.Address, dataType common.Hash, granted bool) (*state.Receipt, error) {
	key, err := tokenKey(carvID)
	if err != nil {
		return nil, err
	}
	method, event := "grantAccess", "AccessGranted"
	if !granted {
		method, event = "revokeAccess", "AccessRevoked"
	}
	return r.store.Transact(ctx, caller, method, func(tx *state.Tx) error {
		if err := requireOwner(tx, key); err != nil {
			return err
		}
		if _, err := tx.Exec(`
			INSERT INTO carvid_access (carv_id, grantee, data_type, granted) VALUES (?, ?, ?, ?)
			ON CONFLICT(carv_id, grantee, data_type) DO UPDATE SET granted = excluded.granted`,
			key, grantee.Hex(), dataType.Hex(), granted); err != nil {
			return revert.Wrap(err, revert.Internal, "store grant")
		}
		return r.emit(tx, event, carvID, grantee, dataType)
	})
}

// HasAccess reports the latest grant state of the triple; unknown triples are false.
func (r *Registry) HasAccess(ctx context.Context, carvID *big.Int, grantee common.Address, dataType common.Hash) (bool, error) {
	key, err := tokenKey(carvID)
	if err != nil {
		return false, err
	}
	var granted bool
	err = r.store.View(ctx, func(tx *state.Tx) error {
		err := tx.QueryRow("SELECT granted FROM carvid_access WHERE carv_id = ? AND grantee = ? AND data_type = ?",
			key, grantee.Hex(), dataType.Hex()).Scan(&granted)
		if state.IsNoRows(err) {
			return nil
		}
		if err != nil {
			return revert.Wrap(err, revert.Internal, "load grant")
		}
		return nil
	})
	return granted, err
}

func (r *Registry) GetUserProfile(ctx context.Context, carvID *big.Int) (Profile, error) {
	id, err := r.Identity(ctx, carvID)
	if err != nil {
		return Profile{}, err
	}
	return id.Profile, nil
}

// Identity returns the full record of carvID.
func (r *Registry) Identity(ctx context.Context, carvID *big.Int) (Identity, error) {
	key, err := tokenKey(carvID)
	if err != nil {
		return Identity{}, err
	}
	var out Identity
	err = r.store.View(ctx, func(tx *state.Tx) error {
		var owner, approved string
		err := tx.QueryRow(`
			SELECT owner, approved, metadata_uri, name, description, reputation
			FROM carvid_tokens WHERE carv_id = ?`, key).
			Scan(&owner, &approved, &out.MetadataURI, &out.Profile.Name, &out.Profile.Description, &out.Profile.ReputationScore)
		if state.IsNoRows(err) {
			return revert.Newf(revert.NotFound, "carvId %s is not minted", key)
		}
		if err != nil {
			return revert.Wrap(err, revert.Internal, "load identity")
		}
		out.Owner = common.HexToAddress(owner)
		if approved != "" {
			out.Approved = common.HexToAddress(approved)
		}
		return nil
	})
	if err != nil {
		return Identity{}, err
	}
	out.CarvID = new(big.Int).Set(carvID)
	return out, nil
}

func (r *Registry) Exists(ctx context.Context, carvID *big.Int) (bool, error) {
	_, err := r.Identity(ctx, carvID)
	if revert.HasKind(err, revert.NotFound) {
		return false, nil
	}
	return err == nil, err
}
