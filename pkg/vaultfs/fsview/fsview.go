// Package fsview is the minimal file/directory facade (spec §9 supplemented
// features): just enough path-based API to exercise the core engine without
// building a full filesystem. Directory nodes are themselves COW entities
// of [vtypes.KindDirNode], consistent with the tagged-variant design the
// rest of the engine uses for every other persisted record (spec §9).
//
// Grounded on pkg/mddb/tx.go's pattern of "resolve path/key, open a
// transaction, mutate, commit", generalized from a flat key space to a
// directory tree walked one path segment at a time.
package fsview

import (
	"context"
	"fmt"
	"strings"

	"github.com/nkhsl/vaultfs/pkg/vaultfs/codec"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/cow"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/storage"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/txmgr"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/verrs"
	"github.com/nkhsl/vaultfs/pkg/vaultfs/vtypes"
)

// DirMagic tags the on-disk frame of a [DirNode] (spec §9 "polymorphic
// persisted entities").
var DirMagic = codec.Magic{'D', 'I', 'R', 'N', 'v', '1', '_', '_'}

// DirNode is the persisted content of a directory entity: a name -> child
// Eid map. A node does not store its own name; the name lives in the parent's
// Children map.
type DirNode struct {
	Children map[string]vtypes.Eid
}

// Info describes one resolved path entry.
type Info struct {
	Name  string
	Eid   vtypes.Eid
	IsDir bool
}

// View is the facade over one repository's directory tree.
type View struct {
	store    storage.Storage
	tx       *txmgr.Manager
	dirs     *cow.Manager[DirNode]
	rootEid  vtypes.Eid
	readOnly bool
}

// New returns a View rooted at rootEid. readOnly rejects every mutating
// operation with [verrs.ErrReadOnly] before it touches the transaction
// manager, matching RepoOpener's `.read_only(true)` contract
// (tests/repo.rs case #3).
func New(store storage.Storage, tx *txmgr.Manager, rootEid vtypes.Eid, readOnly bool) *View {
	return &View{
		store:    store,
		tx:       tx,
		dirs:     cow.NewManager[DirNode](store, tx, vtypes.KindDirNode, DirMagic),
		rootEid:  rootEid,
		readOnly: readOnly,
	}
}

// CreateRoot creates a fresh, empty root directory entity within txid and
// returns its Eid. Called once by the root package at repo Init time,
// before a root Eid exists to construct a [View] around.
func CreateRoot(ctx context.Context, store storage.Storage, journal cow.Journal, txid vtypes.Txid) (vtypes.Eid, error) {
	dirs := cow.NewManager[DirNode](store, journal, vtypes.KindDirNode, DirMagic)
	return dirs.IntoCow(ctx, txid, DirNode{Children: make(map[string]vtypes.Eid)})
}

func splitPath(path string) ([]string, error) {
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("fsview: %w: path must be absolute: %q", verrs.ErrInvalidPath, path)
	}

	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, nil
	}

	return strings.Split(trimmed, "/"), nil
}

// resolve walks segments from the root, returning the Eid of each ancestor
// directory along the way plus the final segment's Eid (zero if it is the
// root itself or the leaf does not exist).
func (v *View) resolve(ctx context.Context, txid vtypes.Txid, segments []string) (parents []vtypes.Eid, leaf vtypes.Eid, found bool, err error) {
	cur := v.rootEid
	parents = append(parents, cur)

	for i, seg := range segments {
		node, gerr := v.dirs.Get(ctx, txid, cur)
		if gerr != nil {
			return nil, vtypes.Eid{}, false, gerr
		}

		child, ok := node.Children[seg]
		if !ok {
			if i == len(segments)-1 {
				return parents, vtypes.Eid{}, false, nil
			}

			return nil, vtypes.Eid{}, false, fmt.Errorf("fsview: %q: %w", "/"+strings.Join(segments[:i+1], "/"), verrs.ErrNotFound)
		}

		if i == len(segments)-1 {
			return parents, child, true, nil
		}

		parents = append(parents, child)
		cur = child
	}

	return parents, vtypes.Eid{}, true, nil
}

// Stat resolves path and reports whether it is a directory. Only
// directories exist in this minimal facade (spec §9 supplemented
// features), so IsDir is always true for a found entry.
func (v *View) Stat(ctx context.Context, path string) (Info, error) {
	segments, err := splitPath(path)
	if err != nil {
		return Info{}, err
	}

	if len(segments) == 0 {
		return Info{Name: "/", Eid: v.rootEid, IsDir: true}, nil
	}

	_, leaf, found, err := v.resolve(ctx, vtypes.NoTxid, segments)
	if err != nil {
		return Info{}, err
	}

	if !found {
		return Info{}, fmt.Errorf("fsview: %q: %w", path, verrs.ErrNotFound)
	}

	return Info{Name: segments[len(segments)-1], Eid: leaf, IsDir: true}, nil
}

// CreateDir creates an empty directory at path. The immediate parent must
// already exist; path itself must not. Rejects with [verrs.ErrReadOnly] on
// a read-only View (tests/repo.rs case #3).
func (v *View) CreateDir(ctx context.Context, path string) error {
	if v.readOnly {
		return fmt.Errorf("fsview: create_dir %q: %w", path, verrs.ErrReadOnly)
	}

	segments, err := splitPath(path)
	if err != nil {
		return err
	}

	if len(segments) == 0 {
		return fmt.Errorf("fsview: create_dir: %w", verrs.ErrIsRoot)
	}

	return v.tx.WithTrans(ctx, func(ctx context.Context, txid vtypes.Txid) error {
		parents, _, found, err := v.resolve(ctx, txid, segments)
		if err != nil {
			return err
		}

		if found {
			return fmt.Errorf("fsview: create_dir %q: %w", path, verrs.ErrAlreadyExists)
		}

		parentEid := parents[len(parents)-1]

		childEid, err := v.dirs.IntoCow(ctx, txid, DirNode{Children: make(map[string]vtypes.Eid)})
		if err != nil {
			return err
		}

		parent, err := v.dirs.MakeMut(ctx, txid, parentEid)
		if err != nil {
			return err
		}

		if parent.Children == nil {
			parent.Children = make(map[string]vtypes.Eid)
		}

		parent.Children[segments[len(segments)-1]] = childEid

		return nil
	})
}
