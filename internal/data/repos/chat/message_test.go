package chat_test

import (
	"context"
	"testing"

	"github.com/google/uuid"

	chatrepo "github.com/postly/chat-backend/internal/data/repos/chat"
	"github.com/postly/chat-backend/internal/data/repos/testutil"
	"github.com/postly/chat-backend/internal/domain/chat"
	"github.com/postly/chat-backend/internal/pkg/dbctx"
)

func TestMessageRepo_SiblingVersioning(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := chatrepo.NewMessageRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	conv := testutil.SeedConversation(t, ctx, db, uuid.New())
	root := testutil.SeedMessage(t, ctx, db, conv, chat.RoleUser, "original", nil, 1, true)

	maxVersion, err := repo.MaxSiblingVersion(dbc, conv.ID, nil)
	if err != nil {
		t.Fatalf("max version: %v", err)
	}
	if maxVersion != 1 {
		t.Fatalf("max version = %d, want 1", maxVersion)
	}

	// Two edits of the root message: versions must be strictly increasing
	// within the sibling group.
	v2 := testutil.SeedMessage(t, ctx, db, conv, chat.RoleUser, "edit one", nil, maxVersion+1, false)
	if err := repo.ActivateSibling(dbc, conv.ID, nil, v2.ID); err != nil {
		t.Fatalf("activate v2: %v", err)
	}
	maxVersion, err = repo.MaxSiblingVersion(dbc, conv.ID, nil)
	if err != nil {
		t.Fatalf("max version: %v", err)
	}
	if maxVersion != 2 {
		t.Fatalf("max version = %d, want 2", maxVersion)
	}
	v3 := testutil.SeedMessage(t, ctx, db, conv, chat.RoleUser, "edit two", nil, maxVersion+1, false)
	if err := repo.ActivateSibling(dbc, conv.ID, nil, v3.ID); err != nil {
		t.Fatalf("activate v3: %v", err)
	}

	siblings, err := repo.Siblings(dbc, conv.ID, nil)
	if err != nil {
		t.Fatalf("siblings: %v", err)
	}
	if len(siblings) != 3 {
		t.Fatalf("sibling count = %d, want 3", len(siblings))
	}
	active := 0
	for i, m := range siblings {
		if m.Version != i+1 {
			t.Fatalf("sibling %d has version %d", i, m.Version)
		}
		if m.IsActive {
			active++
			if m.ID != v3.ID {
				t.Fatalf("active sibling is %s, want latest edit", m.ID)
			}
		}
	}
	if active != 1 {
		t.Fatalf("active siblings = %d, want exactly 1", active)
	}
	_ = root
}

func TestMessageRepo_ActivateSiblingReactivatesOldVersion(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := chatrepo.NewMessageRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	conv := testutil.SeedConversation(t, ctx, db, uuid.New())
	v1 := testutil.SeedMessage(t, ctx, db, conv, chat.RoleUser, "v1", nil, 1, false)
	v2 := testutil.SeedMessage(t, ctx, db, conv, chat.RoleUser, "v2", nil, 2, true)

	if err := repo.ActivateSibling(dbc, conv.ID, nil, v1.ID); err != nil {
		t.Fatalf("reactivate v1: %v", err)
	}

	siblings, err := repo.Siblings(dbc, conv.ID, nil)
	if err != nil {
		t.Fatalf("siblings: %v", err)
	}
	for _, m := range siblings {
		switch m.ID {
		case v1.ID:
			if !m.IsActive {
				t.Fatalf("v1 should be active after reactivation")
			}
		case v2.ID:
			if m.IsActive {
				t.Fatalf("v2 should be deactivated")
			}
		}
	}
}

func TestMessageRepo_ActivateSiblingUnknownTarget(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := chatrepo.NewMessageRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	conv := testutil.SeedConversation(t, ctx, db, uuid.New())
	testutil.SeedMessage(t, ctx, db, conv, chat.RoleUser, "v1", nil, 1, true)

	if err := repo.ActivateSibling(dbc, conv.ID, nil, uuid.New()); err == nil {
		t.Fatalf("expected error for unknown sibling")
	}
}

func TestMessageRepo_FindByIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	repo := chatrepo.NewMessageRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: ctx}

	conv := testutil.SeedConversation(t, ctx, db, uuid.New())
	msg := testutil.SeedMessage(t, ctx, db, conv, chat.RoleUser, "hi", nil, 1, true)
	if err := repo.UpdateFields(dbc, msg.ID, map[string]interface{}{"idempotency_key": "key-1"}); err != nil {
		t.Fatalf("set key: %v", err)
	}

	found, err := repo.FindByIdempotencyKey(dbc, conv.ID, conv.UserID, "key-1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if found == nil || found.ID != msg.ID {
		t.Fatalf("found %+v, want %s", found, msg.ID)
	}

	miss, err := repo.FindByIdempotencyKey(dbc, conv.ID, conv.UserID, "other")
	if err != nil || miss != nil {
		t.Fatalf("expected miss, got %+v err=%v", miss, err)
	}
	if blank, _ := repo.FindByIdempotencyKey(dbc, conv.ID, conv.UserID, ""); blank != nil {
		t.Fatalf("blank key must never match")
	}
}
