package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/postly/chat-backend/internal/data/repos"
	"github.com/postly/chat-backend/internal/data/repos/testutil"
	types "github.com/postly/chat-backend/internal/domain"
	"github.com/postly/chat-backend/internal/domain/chat"
	"github.com/postly/chat-backend/internal/pkg/ctxutil"
	"github.com/postly/chat-backend/internal/pkg/dbctx"
	"github.com/postly/chat-backend/internal/services"
)

func newConversationService(t *testing.T) (services.ConversationService, dbctx.Context, uuid.UUID, *testDeps) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)
	convRepo := repos.NewConversationRepo(db, log)
	msgRepo := repos.NewMessageRepo(db, log)
	svc := services.NewConversationService(db, log, convRepo, msgRepo)

	userID := uuid.New()
	ctx := ctxutil.WithRequestData(context.Background(), &ctxutil.RequestData{UserID: userID})
	return svc, dbctx.Context{Ctx: ctx}, userID, &testDeps{db: db, convRepo: convRepo, msgRepo: msgRepo}
}

type testDeps struct {
	db       *gorm.DB
	convRepo repos.ConversationRepo
	msgRepo  repos.MessageRepo
}

// seedThreadMessage appends one message to a sibling group and activates it,
// the way the streaming path does.
func seedThreadMessage(t *testing.T, dbc dbctx.Context, deps *testDeps, convID, userID uuid.UUID, role, content string, parentID *uuid.UUID, version int) uuid.UUID {
	t.Helper()
	now := time.Now().UTC()
	m := &types.Message{
		ID:              uuid.New(),
		ConversationID:  convID,
		UserID:          userID,
		Role:            role,
		Content:         content,
		ParentMessageID: parentID,
		Version:         version,
		Status:          chat.MessageStatusCompleted,
		Metadata:        datatypes.JSON([]byte(`{}`)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := deps.msgRepo.Create(dbc, []*types.Message{m}); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	if err := deps.msgRepo.ActivateSibling(dbc, convID, parentID, m.ID); err != nil {
		t.Fatalf("activate seeded message: %v", err)
	}
	return m.ID
}

func TestConversationService_CreateAndOwnership(t *testing.T) {
	svc, dbc, _, _ := newConversationService(t)

	conv, err := svc.Create(dbc, "  Career advice  ", nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.Title != "Career advice" || conv.State != chat.StateIdle {
		t.Fatalf("conversation %+v", conv)
	}

	got, branch, err := svc.Get(dbc, conv.ID)
	if err != nil || got.ID != conv.ID {
		t.Fatalf("get: %+v err=%v", got, err)
	}
	if len(branch) != 0 {
		t.Fatalf("new conversation should have no messages")
	}

	// A different user must not see it.
	otherCtx := ctxutil.WithRequestData(context.Background(), &ctxutil.RequestData{UserID: uuid.New()})
	if _, _, err := svc.Get(dbctx.Context{Ctx: otherCtx}, conv.ID); err == nil {
		t.Fatalf("cross-user access should fail")
	}
}

func TestConversationService_UpdateRenameAndArchive(t *testing.T) {
	svc, dbc, _, _ := newConversationService(t)
	conv, err := svc.Create(dbc, "first", nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	title := "renamed"
	archived := true
	updated, err := svc.Update(dbc, conv.ID, services.ConversationUpdate{Title: &title, IsArchived: &archived})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "renamed" || !updated.IsArchived {
		t.Fatalf("updated %+v", updated)
	}

	empty := "   "
	if _, err := svc.Update(dbc, conv.ID, services.ConversationUpdate{Title: &empty}); err == nil {
		t.Fatalf("blank title should be rejected")
	}

	convs, err := svc.List(dbc, false, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("archived conversation should be hidden by default")
	}
	convs, err = svc.List(dbc, true, 50)
	if err != nil || len(convs) != 1 {
		t.Fatalf("archived listing: %d err=%v", len(convs), err)
	}
}

func TestConversationService_EditMessageBranches(t *testing.T) {
	svc, dbc, userID, deps := newConversationService(t)
	conv, err := svc.Create(dbc, "branching", nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Thread: user "q1" -> assistant "a1" -> user "q2" -> assistant "a2".
	q1 := seedThreadMessage(t, dbc, deps, conv.ID, userID, chat.RoleUser, "q1", nil, 1)
	a1 := seedThreadMessage(t, dbc, deps, conv.ID, userID, chat.RoleAssistant, "a1", &q1, 1)
	q2 := seedThreadMessage(t, dbc, deps, conv.ID, userID, chat.RoleUser, "q2", &a1, 1)
	seedThreadMessage(t, dbc, deps, conv.ID, userID, chat.RoleAssistant, "a2", &q2, 1)

	branch, err := svc.ActiveBranch(dbc, conv.ID)
	if err != nil {
		t.Fatalf("active branch: %v", err)
	}
	if len(branch) != 4 {
		t.Fatalf("branch length %d, want 4", len(branch))
	}

	// Editing q2 creates version 2 and switches the branch at that point.
	edited, err := svc.EditMessage(dbc, q2, "q2 edited")
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.Version != 2 || !edited.IsActive || edited.Content != "q2 edited" {
		t.Fatalf("edited %+v", edited)
	}

	branch, err = svc.ActiveBranch(dbc, conv.ID)
	if err != nil {
		t.Fatalf("active branch: %v", err)
	}
	// a2 hangs off the old q2, so the active branch now ends at the edit.
	if len(branch) != 3 {
		t.Fatalf("branch length %d after edit, want 3", len(branch))
	}
	if branch[2].ID != edited.ID {
		t.Fatalf("branch tip %s, want edited message", branch[2].ID)
	}

	versions, err := svc.GetMessageVersions(dbc, edited.ID)
	if err != nil {
		t.Fatalf("versions: %v", err)
	}
	if len(versions) != 2 || versions[0].Version != 1 || versions[1].Version != 2 {
		t.Fatalf("versions %+v", versions)
	}

	// Switching back to version 1 restores the original branch and its reply.
	if _, err := svc.ActivateVersion(dbc, q2); err != nil {
		t.Fatalf("activate old version: %v", err)
	}
	branch, err = svc.ActiveBranch(dbc, conv.ID)
	if err != nil {
		t.Fatalf("active branch: %v", err)
	}
	if len(branch) != 4 || branch[2].ID != q2 || branch[3].Content != "a2" {
		t.Fatalf("restored branch %+v", branch)
	}
}

func TestConversationService_EditRejectsAssistantMessages(t *testing.T) {
	svc, dbc, userID, deps := newConversationService(t)
	conv, err := svc.Create(dbc, "x", nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	q := seedThreadMessage(t, dbc, deps, conv.ID, userID, chat.RoleUser, "q", nil, 1)
	a := seedThreadMessage(t, dbc, deps, conv.ID, userID, chat.RoleAssistant, "a", &q, 1)

	if _, err := svc.EditMessage(dbc, a, "rewritten"); err == nil {
		t.Fatalf("assistant messages must not be editable")
	}
}

func TestConversationService_DeleteRemovesThread(t *testing.T) {
	svc, dbc, userID, deps := newConversationService(t)
	conv, err := svc.Create(dbc, "doomed", nil, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	seedThreadMessage(t, dbc, deps, conv.ID, userID, chat.RoleUser, "q", nil, 1)

	if err := svc.Delete(dbc, conv.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, _, err := svc.Get(dbc, conv.ID); err == nil {
		t.Fatalf("deleted conversation should be gone")
	}
	msgs, err := deps.msgRepo.ListByConversation(dbc, conv.ID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("messages should cascade, found %d", len(msgs))
	}
}
