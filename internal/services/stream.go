package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/postly/chat-backend/internal/data/repos"
	types "github.com/postly/chat-backend/internal/domain"
	"github.com/postly/chat-backend/internal/domain/chat"
	"github.com/postly/chat-backend/internal/generation"
	"github.com/postly/chat-backend/internal/pkg/ctxutil"
	"github.com/postly/chat-backend/internal/pkg/dbctx"
	"github.com/postly/chat-backend/internal/platform/apierr"
	"github.com/postly/chat-backend/internal/platform/logger"
	"github.com/postly/chat-backend/internal/stream"
)

const maxMessageRunes = 20000

// ResumeProvider resolves the text of an uploaded resume so it can be fed to
// the generation backend as grounding context.
type ResumeProvider interface {
	ResumeText(ctx context.Context, resumeID uuid.UUID) (string, error)
}

type noopResumeProvider struct{}

func (noopResumeProvider) ResumeText(ctx context.Context, resumeID uuid.UUID) (string, error) {
	return "", nil
}

func NewNoopResumeProvider() ResumeProvider { return noopResumeProvider{} }

type StreamRequest struct {
	Message        string     `json:"message"`
	ConversationID *uuid.UUID `json:"conversation_id"`
	ResumeID       *uuid.UUID `json:"resume_id"`
	Model          string     `json:"model"`
	IdempotencyKey string     `json:"idempotency_key"`
}

type StreamService interface {
	// Run executes one generation turn and streams frames to w. It returns a
	// non-nil error only if nothing has been written yet; once the first
	// frame is out, failures are reported in-band as error frames.
	Run(dbc dbctx.Context, w http.ResponseWriter, req StreamRequest) error
	// Cancel interrupts the in-flight generation that messageID belongs to.
	Cancel(dbc dbctx.Context, messageID uuid.UUID) error
}

// inflightRun tracks one running generation per conversation.
type inflightRun struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu            sync.Mutex
	userMessageID uuid.UUID
	assistantID   uuid.UUID
	userCancelled bool
}

func (r *inflightRun) markCancelled() {
	r.mu.Lock()
	r.userCancelled = true
	r.mu.Unlock()
	r.cancel()
}

func (r *inflightRun) cancelledByUser() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userCancelled
}

func (r *inflightRun) setUserMessage(id uuid.UUID) {
	r.mu.Lock()
	r.userMessageID = id
	r.mu.Unlock()
}

func (r *inflightRun) setAssistant(id uuid.UUID) {
	r.mu.Lock()
	r.assistantID = id
	r.mu.Unlock()
}

func (r *inflightRun) owns(messageID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.userMessageID == messageID || r.assistantID == messageID
}

type streamService struct {
	db            *gorm.DB
	log           *logger.Logger
	conversations repos.ConversationRepo
	messages      repos.MessageRepo
	backend       generation.Backend
	quota         QuotaService
	resumes       ResumeProvider

	createGroup singleflight.Group

	mu       sync.Mutex
	inflight map[uuid.UUID]*inflightRun
}

func NewStreamService(
	db *gorm.DB,
	baseLog *logger.Logger,
	conversationRepo repos.ConversationRepo,
	messageRepo repos.MessageRepo,
	backend generation.Backend,
	quota QuotaService,
	resumes ResumeProvider,
) StreamService {
	if resumes == nil {
		resumes = NewNoopResumeProvider()
	}
	return &streamService{
		db:            db,
		log:           baseLog.With("service", "StreamService"),
		conversations: conversationRepo,
		messages:      messageRepo,
		backend:       backend,
		quota:         quota,
		resumes:       resumes,
		inflight:      make(map[uuid.UUID]*inflightRun),
	}
}

func (s *streamService) Run(dbc dbctx.Context, w http.ResponseWriter, req StreamRequest) error {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return apierr.New(http.StatusUnauthorized, "unauthorized", fmt.Errorf("not authenticated"))
	}

	text := strings.TrimSpace(req.Message)
	if text == "" {
		return apierr.New(http.StatusBadRequest, "empty_message", fmt.Errorf("message cannot be empty"))
	}
	if len([]rune(text)) > maxMessageRunes {
		return apierr.New(http.StatusBadRequest, "message_too_long",
			fmt.Errorf("message exceeds %d characters", maxMessageRunes))
	}

	conv, err := s.resolveConversation(dbc, rd, req, text)
	if err != nil {
		return err
	}
	log := s.log.With("conversation_id", conv.ID.String(), "user_id", rd.UserID.String())

	// Only one generation may run per conversation. A new send claims the
	// conversation slot and takes the previous holder out in the same lock
	// hold, then cancels that run and waits for its teardown to finish
	// before the first frame of this one goes out.
	genCtx, cancel := context.WithCancel(dbc.Ctx)
	defer cancel()
	run := &inflightRun{cancel: cancel, done: make(chan struct{})}
	prev := s.claim(conv.ID, run)
	defer func() {
		s.unregister(conv.ID, run)
		close(run.done)
	}()
	if prev != nil {
		prev.markCancelled()
		select {
		case <-prev.done:
		case <-time.After(10 * time.Second):
			log.Warn("previous generation did not stop in time")
		}
	}

	sw, err := stream.NewWriter(w)
	if err != nil {
		return apierr.New(http.StatusInternalServerError, "streaming_unsupported", err)
	}

	// Everything past this point reports failures in-band.
	replayed, err := s.replayIdempotent(dbc, conv, rd.UserID, req.IdempotencyKey, sw)
	if err != nil {
		log.Error("idempotency lookup failed", "error", err)
		s.finishWithError(sw, generation.KindServerError)
		return nil
	}
	if replayed {
		return nil
	}

	userMsg, err := s.persistUserMessage(dbc, conv, rd.UserID, text, req.IdempotencyKey)
	if err != nil {
		log.Error("persist user message failed", "error", err)
		s.finishWithError(sw, generation.KindServerError)
		return nil
	}
	run.setUserMessage(userMsg.ID)

	// Announce ids up front so a client that sent no conversation_id learns
	// where its thread landed.
	if err := sw.WriteFrame(stream.Metadata(map[string]any{
		"conversation_id": conv.ID.String(),
		"user_message_id": userMsg.ID.String(),
	})); err != nil {
		return nil
	}

	s.setConversationState(dbc, conv.ID, chat.StateThinking, true)

	if err := s.quota.Allow(dbc.Ctx, rd.UserID); err != nil {
		kind := generation.Classify(err)
		log.Warn("generation blocked", "kind", string(kind))
		s.setConversationState(dbc, conv.ID, chat.StateError, false)
		s.finishWithError(sw, kind)
		return nil
	}

	genReq, err := s.buildRequest(dbc, conv, req.Model)
	if err != nil {
		log.Error("build generation request failed", "error", err)
		s.setConversationState(dbc, conv.ID, chat.StateError, false)
		s.finishWithError(sw, generation.KindServerError)
		return nil
	}

	s.generate(dbc, genCtx, conv, userMsg, run, genReq, sw, log)
	return nil
}

// generate drives the backend stream and owns the exactly-one terminal
// mutation for the turn: completed, cancelled, or error.
func (s *streamService) generate(
	dbc dbctx.Context,
	genCtx context.Context,
	conv *types.Conversation,
	userMsg *types.Message,
	run *inflightRun,
	genReq generation.Request,
	sw *stream.Writer,
	log *logger.Logger,
) {
	var (
		buf       strings.Builder
		metaAcc   map[string]any
		assistant *types.Message
		writeMu   sync.Mutex
		writeErr  error
	)

	write := func(f stream.Frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if writeErr != nil {
			return
		}
		if writeErr = sw.WriteFrame(f); writeErr != nil {
			// Client gone; stop generating, nothing more can be delivered.
			run.cancel()
		}
	}

	result, genErr := s.backend.Stream(genCtx, genReq, generation.Events{
		OnDelta: func(delta string) {
			if delta == "" {
				return
			}
			if assistant == nil {
				// The assistant row exists only once real output does.
				msg, err := s.persistAssistantMessage(dbc, conv, userMsg)
				if err != nil {
					log.Error("persist assistant message failed", "error", err)
				} else {
					assistant = msg
					run.setAssistant(msg.ID)
				}
				s.setConversationState(dbc, conv.ID, chat.StateStreaming, false)
			}
			buf.WriteString(delta)
			write(stream.Chunk(delta))
		},
		OnMetadata: func(meta map[string]any) {
			metaAcc = stream.MergeMetadata(metaAcc, meta)
			write(stream.Metadata(meta))
		},
	})

	// Persistence after the run must not depend on the request context,
	// which is already dead when the client disconnected.
	finCtx, finCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finCancel()
	fin := dbctx.Context{Ctx: finCtx}

	if genErr == nil {
		metaAcc = stream.MergeMetadata(metaAcc, result.Metadata)
		if assistant == nil && result.Text != "" {
			msg, err := s.persistAssistantMessage(fin, conv, userMsg)
			if err != nil {
				log.Error("persist assistant message failed", "error", err)
			} else {
				assistant = msg
			}
		}
		assistantID := ""
		if assistant != nil {
			if err := s.messages.UpdateFields(fin, assistant.ID, map[string]interface{}{
				"content":  result.Text,
				"status":   chat.MessageStatusCompleted,
				"metadata": toJSON(metaAcc),
			}); err != nil {
				log.Error("finalize assistant message failed", "error", err)
			}
			assistantID = assistant.ID.String()
		}
		s.setConversationState(fin, conv.ID, chat.StateCompleted, true)
		write(stream.Complete(assistantID, metaAcc))
		writeMu.Lock()
		if writeErr == nil {
			sw.Done()
		}
		writeMu.Unlock()
		return
	}

	kind := generation.Classify(genErr)
	if kind == generation.KindCancelled {
		if assistant != nil {
			if err := s.messages.UpdateFields(fin, assistant.ID, map[string]interface{}{
				"content":  buf.String(),
				"status":   chat.MessageStatusCancelled,
				"metadata": toJSON(metaAcc),
			}); err != nil {
				log.Error("mark assistant cancelled failed", "error", err)
			}
		}
		s.setConversationState(fin, conv.ID, chat.StateInterrupted, false)
		// A cancelled turn is a normal outcome, not an error frame.
		if run.cancelledByUser() {
			writeMu.Lock()
			if writeErr == nil {
				sw.Done()
			}
			writeMu.Unlock()
		}
		log.Info("generation cancelled", "by_user", run.cancelledByUser())
		return
	}

	log.Error("generation failed", "kind", string(kind), "error", genErr)
	if assistant != nil {
		metaAcc = stream.MergeMetadata(metaAcc, map[string]any{"incomplete": true})
		if err := s.messages.UpdateFields(fin, assistant.ID, map[string]interface{}{
			"content":  buf.String(),
			"status":   chat.MessageStatusError,
			"metadata": toJSON(metaAcc),
		}); err != nil {
			log.Error("mark assistant errored failed", "error", err)
		}
	}
	s.setConversationState(fin, conv.ID, chat.StateError, false)
	s.finishWithErrorLocked(sw, kind, &writeMu, &writeErr)
}

func (s *streamService) Cancel(dbc dbctx.Context, messageID uuid.UUID) error {
	rd := ctxutil.GetRequestData(dbc.Ctx)
	if rd == nil || rd.UserID == uuid.Nil {
		return apierr.New(http.StatusUnauthorized, "unauthorized", fmt.Errorf("not authenticated"))
	}
	msg, err := s.messages.GetByID(dbc, messageID)
	if err != nil {
		return apierr.New(http.StatusInternalServerError, "internal_error", err)
	}
	if msg == nil || msg.UserID != rd.UserID {
		return apierr.New(http.StatusNotFound, "not_found", fmt.Errorf("message not found"))
	}

	run := s.lookup(msg.ConversationID)
	if run == nil || !run.owns(messageID) {
		return apierr.New(http.StatusConflict, "not_generating", fmt.Errorf("message is not generating"))
	}
	run.markCancelled()
	return nil
}

func (s *streamService) resolveConversation(dbc dbctx.Context, rd *ctxutil.RequestData, req StreamRequest, text string) (*types.Conversation, error) {
	if req.ConversationID != nil && *req.ConversationID != uuid.Nil {
		conv, err := s.conversations.GetByID(dbc, *req.ConversationID)
		if err != nil {
			return nil, apierr.New(http.StatusInternalServerError, "internal_error", err)
		}
		if conv == nil || conv.UserID != rd.UserID {
			return nil, apierr.New(http.StatusNotFound, "not_found", fmt.Errorf("conversation not found"))
		}
		return conv, nil
	}

	// Double-tapped first sends from the same session collapse into one
	// conversation instead of two.
	key := rd.SessionKey
	if key == "" {
		key = rd.UserID.String()
	}
	v, err, _ := s.createGroup.Do(key, func() (interface{}, error) {
		now := time.Now().UTC()
		conv := &types.Conversation{
			ID:            uuid.New(),
			UserID:        rd.UserID,
			Title:         DeriveTitle(text),
			ResumeID:      req.ResumeID,
			Model:         strings.TrimSpace(req.Model),
			State:         chat.StateIdle,
			LastMessageAt: now,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.conversations.Create(dbc, conv); err != nil {
			return nil, err
		}
		return conv, nil
	})
	if err != nil {
		return nil, apierr.New(http.StatusInternalServerError, "conversation_create_failed", err)
	}
	return v.(*types.Conversation), nil
}

// replayIdempotent short-circuits a retried send: if the key already maps to
// a completed user message, its assistant reply is replayed as a single chunk
// so the retry converges on the first attempt's outcome.
func (s *streamService) replayIdempotent(dbc dbctx.Context, conv *types.Conversation, userID uuid.UUID, key string, sw *stream.Writer) (bool, error) {
	if key == "" {
		return false, nil
	}
	existing, err := s.messages.FindByIdempotencyKey(dbc, conv.ID, userID, key)
	if err != nil || existing == nil {
		return false, err
	}

	if existing.Status != chat.MessageStatusCompleted {
		sw.WriteFrame(stream.Error("This message is already being processed."))
		sw.Done()
		return true, nil
	}

	reply := s.activeReply(dbc, conv.ID, existing.ID)
	if reply == nil {
		sw.WriteFrame(stream.Error("The previous attempt did not produce a reply. Please send a new message."))
		sw.Done()
		return true, nil
	}
	if reply.Content != "" {
		sw.WriteFrame(stream.Chunk(reply.Content))
	}
	sw.WriteFrame(stream.Complete(reply.ID.String(), fromJSON(reply.Metadata)))
	sw.Done()
	return true, nil
}

func (s *streamService) activeReply(dbc dbctx.Context, conversationID, parentID uuid.UUID) *types.Message {
	siblings, err := s.messages.Siblings(dbc, conversationID, &parentID)
	if err != nil {
		return nil
	}
	for _, m := range siblings {
		if m.IsActive && m.Role == chat.RoleAssistant {
			return m
		}
	}
	return nil
}

// persistUserMessage appends the new user message to the tip of the active
// branch as the next version in its sibling group and activates it.
func (s *streamService) persistUserMessage(dbc dbctx.Context, conv *types.Conversation, userID uuid.UUID, text, idempotencyKey string) (*types.Message, error) {
	var created *types.Message
	err := s.db.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}

		all, err := s.messages.ListByConversation(inner, conv.ID)
		if err != nil {
			return err
		}
		var parentID *uuid.UUID
		if branch := activeBranchOf(all); len(branch) > 0 {
			tip := branch[len(branch)-1].ID
			parentID = &tip
		}

		maxVersion, err := s.messages.MaxSiblingVersion(inner, conv.ID, parentID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		created = &types.Message{
			ID:              uuid.New(),
			ConversationID:  conv.ID,
			UserID:          userID,
			Role:            chat.RoleUser,
			Content:         text,
			ParentMessageID: parentID,
			Version:         maxVersion + 1,
			Status:          chat.MessageStatusCompleted,
			Metadata:        datatypes.JSON([]byte(`{}`)),
			IdempotencyKey:  idempotencyKey,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.messages.Create(inner, []*types.Message{created}); err != nil {
			return err
		}
		return s.messages.ActivateSibling(inner, conv.ID, parentID, created.ID)
	})
	if err != nil {
		return nil, err
	}
	created.IsActive = true
	return created, nil
}

func (s *streamService) persistAssistantMessage(dbc dbctx.Context, conv *types.Conversation, userMsg *types.Message) (*types.Message, error) {
	var created *types.Message
	parentID := userMsg.ID
	err := s.db.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		inner := dbctx.Context{Ctx: dbc.Ctx, Tx: txx}

		maxVersion, err := s.messages.MaxSiblingVersion(inner, conv.ID, &parentID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		created = &types.Message{
			ID:              uuid.New(),
			ConversationID:  conv.ID,
			UserID:          userMsg.UserID,
			Role:            chat.RoleAssistant,
			ParentMessageID: &parentID,
			Version:         maxVersion + 1,
			Status:          chat.MessageStatusStreaming,
			Metadata:        datatypes.JSON([]byte(`{}`)),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.messages.Create(inner, []*types.Message{created}); err != nil {
			return err
		}
		return s.messages.ActivateSibling(inner, conv.ID, &parentID, created.ID)
	})
	if err != nil {
		return nil, err
	}
	created.IsActive = true
	return created, nil
}

// buildRequest projects the active branch into backend turns. Only completed
// messages count as context; cancelled or errored partials are skipped.
func (s *streamService) buildRequest(dbc dbctx.Context, conv *types.Conversation, overrideModel string) (generation.Request, error) {
	branch, err := s.ActiveBranchTurns(dbc, conv.ID)
	if err != nil {
		return generation.Request{}, err
	}

	model := strings.TrimSpace(overrideModel)
	if model == "" {
		model = conv.Model
	}

	var resumeText string
	if conv.ResumeID != nil && *conv.ResumeID != uuid.Nil {
		text, err := s.resumes.ResumeText(dbc.Ctx, *conv.ResumeID)
		if err != nil {
			s.log.Warn("resume text unavailable", "resume_id", conv.ResumeID.String(), "error", err)
		} else {
			resumeText = text
		}
	}

	return generation.Request{
		Model:      model,
		History:    branch,
		ResumeText: resumeText,
	}, nil
}

func (s *streamService) ActiveBranchTurns(dbc dbctx.Context, conversationID uuid.UUID) ([]generation.Turn, error) {
	all, err := s.messages.ListByConversation(dbc, conversationID)
	if err != nil {
		return nil, err
	}
	branch := activeBranchOf(all)
	turns := make([]generation.Turn, 0, len(branch))
	for _, m := range branch {
		if m.Status != chat.MessageStatusCompleted {
			continue
		}
		turns = append(turns, generation.Turn{Role: m.Role, Content: m.Content})
	}
	return turns, nil
}

func (s *streamService) setConversationState(dbc dbctx.Context, conversationID uuid.UUID, state string, touchLastMessage bool) {
	updates := map[string]interface{}{"state": state}
	if touchLastMessage {
		updates["last_message_at"] = time.Now().UTC()
	}
	if err := s.conversations.UpdateFields(dbc, conversationID, updates); err != nil {
		s.log.Error("update conversation state failed",
			"conversation_id", conversationID.String(), "state", state, "error", err)
	}
}

func (s *streamService) finishWithError(sw *stream.Writer, kind generation.Kind) {
	sw.WriteFrame(stream.Error(generation.UserMessage(kind)))
	sw.Done()
}

func (s *streamService) finishWithErrorLocked(sw *stream.Writer, kind generation.Kind, mu *sync.Mutex, writeErr *error) {
	mu.Lock()
	defer mu.Unlock()
	if *writeErr != nil {
		return
	}
	if err := sw.WriteFrame(stream.Error(generation.UserMessage(kind))); err != nil {
		*writeErr = err
		return
	}
	sw.Done()
}

func (s *streamService) lookup(conversationID uuid.UUID) *inflightRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[conversationID]
}

// claim installs run as the conversation's in-flight generation and hands
// back the previous holder, if any, in the same lock hold.
func (s *streamService) claim(conversationID uuid.UUID, run *inflightRun) *inflightRun {
	s.mu.Lock()
	prev := s.inflight[conversationID]
	s.inflight[conversationID] = run
	s.mu.Unlock()
	return prev
}

func (s *streamService) unregister(conversationID uuid.UUID, run *inflightRun) {
	s.mu.Lock()
	if s.inflight[conversationID] == run {
		delete(s.inflight, conversationID)
	}
	s.mu.Unlock()
}

func toJSON(m map[string]any) datatypes.JSON {
	if m == nil {
		return datatypes.JSON([]byte(`{}`))
	}
	b, err := json.Marshal(m)
	if err != nil {
		return datatypes.JSON([]byte(`{}`))
	}
	return datatypes.JSON(b)
}

func fromJSON(j datatypes.JSON) map[string]any {
	if len(j) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(j, &m); err != nil {
		return nil
	}
	return m
}
