package broker

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	acp "github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kandev/agentbroker/internal/acpconn"
	"github.com/kandev/agentbroker/internal/events"
	"github.com/kandev/agentbroker/internal/registry"
)

// PromptFile is the caller-facing shape of a data-URL attachment
// accompanying a prompt, mirroring registry.PromptFile one level up so
// callers never import the registry package directly.
type PromptFile struct {
	Filename  string
	MediaType string
	URL       string
}

// connFor resolves the live connection a session currently points to,
// without touching the Pool's refCount -- the session already holds a
// reference for the lifetime of its createSession call.
func (b *Broker) connFor(sess *registry.Session) (acpConn, error) {
	c, ok := b.pool.Peek(sess.ConnectionKey)
	if !ok {
		return nil, newError(CodeConnectionDead, "connection is no longer live", acpconn.ErrConnectionDead)
	}
	conn, ok := c.(acpConn)
	if !ok {
		return nil, newError(CodeInternal, "pool entry is not an acpconn.Connection", nil)
	}
	return conn, nil
}

func (b *Broker) getLiveSession(sessionKey string) (*registry.Session, error) {
	sess, ok := b.registry.Get(sessionKey)
	if !ok {
		return nil, newError(CodeNotFound, fmt.Sprintf("unknown sessionKey %q", sessionKey), nil)
	}
	return sess, nil
}

// parseDataURL splits a "data:{mediaType};base64,{data}" URL into its media
// type and base64 payload.
func parseDataURL(url string) (mediaType string, b64 string, err error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return "", "", fmt.Errorf("not a data URL")
	}
	parts := strings.SplitN(rest, ",", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("malformed data URL, missing comma")
	}
	meta, data := parts[0], parts[1]
	meta = strings.TrimSuffix(meta, ";base64")
	if meta == "" {
		meta = "application/octet-stream"
	}
	return meta, data, nil
}

// buildPromptBlocks implements sendPrompt's block-construction rule: each
// file becomes an image block for image/* media types, a resource block
// (inline base64 blob) otherwise; the text becomes a trailing text block
// when non-empty.
func buildPromptBlocks(message string, files []PromptFile) ([]acp.ContentBlock, error) {
	blocks := make([]acp.ContentBlock, 0, len(files)+1)
	for _, f := range files {
		mediaType, data, err := parseDataURL(f.URL)
		if err != nil {
			return nil, newError(CodeValidation, fmt.Sprintf("file %q: %v", f.Filename, err), err)
		}
		if mediaType == "" {
			mediaType = f.MediaType
		}
		if strings.HasPrefix(mediaType, "image/") {
			blocks = append(blocks, acp.ImageBlock(data, mediaType))
			continue
		}
		uri := f.Filename
		if uri == "" {
			uri = fmt.Sprintf("attachment://%s", base64.RawURLEncoding.EncodeToString([]byte(f.URL))[:16])
		}
		blocks = append(blocks, acp.ResourceBlock(acp.EmbeddedResourceResource{
			BlobResourceContents: &acp.BlobResourceContents{
				Uri:      uri,
				Blob:     data,
				MimeType: &mediaType,
			},
		}))
	}
	if message != "" {
		blocks = append(blocks, acp.TextBlock(message))
	}
	return blocks, nil
}

// SendPromptParams is the input to SendPrompt.
type SendPromptParams struct {
	SessionKey string
	Message    string
	Files      []PromptFile
}

// SendPrompt implements spec.md §4.6's sendPrompt operation: dispatch
// immediately when ready, otherwise queue a single pending prompt that is
// re-issued once the session returns to ready.
func (b *Broker) SendPrompt(ctx context.Context, p SendPromptParams) error {
	sess, err := b.getLiveSession(p.SessionKey)
	if err != nil {
		return err
	}

	sess.Lock()
	defer sess.Unlock()

	if sess.Status() != registry.StatusReady {
		sess.SetPendingPrompt(&registry.PendingPrompt{Message: p.Message, Files: toRegistryFiles(p.Files)})
		return nil
	}

	return b.dispatchPrompt(sess, p.Message, p.Files)
}

// dispatchPrompt sends blocks.message/files through the session's
// connection and funnels the eventual result back through the registry
// under the broker's serialisation discipline. Must be called with
// sess.Lock held by the caller up to the point the goroutine is spawned;
// the prompt call itself runs detached so SendPrompt returns immediately
// per spec.md's long-running-overlaps-streaming design.
func (b *Broker) dispatchPrompt(sess *registry.Session, message string, files []PromptFile) error {
	conn, err := b.connFor(sess)
	if err != nil {
		return err
	}
	acpSessionID := sess.AcpSessionID()
	if acpSessionID == "" {
		return newError(CodeWrongState, "session has no acpSessionId yet", nil)
	}

	blocks, err := buildPromptBlocks(message, files)
	if err != nil {
		return err
	}

	sess.SetStatus(registry.StatusSubmitted)

	go func() {
		promptCtx := context.Background()
		stopReason, promptErr := conn.Prompt(promptCtx, acp.SessionId(acpSessionID), blocks)
		b.onPromptResolved(sess, stopReason, promptErr)
	}()

	return nil
}

// onPromptResolved is the "fire-and-forget" prompt pattern's funnel point:
// a stray completion for a finalized session is ignored, matching §9's
// design note.
func (b *Broker) onPromptResolved(sess *registry.Session, stopReason acp.StopReason, promptErr error) {
	if sess.IsFinalized() {
		return
	}

	var drained *registry.PendingPrompt
	if promptErr != nil {
		sess.Coalescer.Append(events.PromptError(sess.SessionKey, promptErr.Error()))
		drained = sess.SetStatus(registry.StatusReady)
	} else {
		status := sess.Status()
		if status == registry.StatusSubmitted || status == registry.StatusStreaming {
			sess.Coalescer.Append(events.PromptComplete(sess.SessionKey, string(stopReason)))
		}
		drained = sess.SetStatus(registry.StatusReady)
	}

	b.redispatch(sess, drained)
}

// redispatch re-issues the prompt SetStatus(ready) just drained from the
// session's pending slot, scheduled on the next tick so the status_change
// event it already enqueued flushes first, per §4.6/§4.5's ordering
// guarantee. pending is the value SetStatus returned -- it has already been
// cleared from the session, so there is nothing left to take from the slot.
func (b *Broker) redispatch(sess *registry.Session, pending *registry.PendingPrompt) {
	if pending == nil {
		return
	}
	go func() {
		sess.Lock()
		defer sess.Unlock()
		if sess.IsFinalized() || sess.Status() != registry.StatusReady {
			return
		}
		_ = b.dispatchPrompt(sess, pending.Message, fromRegistryFiles(pending.Files))
	}()
}

func toRegistryFiles(files []PromptFile) []registry.PromptFile {
	out := make([]registry.PromptFile, 0, len(files))
	for _, f := range files {
		out = append(out, registry.PromptFile{Name: f.Filename, MediaType: f.MediaType, DataURL: f.URL})
	}
	return out
}

func fromRegistryFiles(files []registry.PromptFile) []PromptFile {
	out := make([]PromptFile, 0, len(files))
	for _, f := range files {
		out = append(out, PromptFile{Filename: f.Name, MediaType: f.MediaType, URL: f.DataURL})
	}
	return out
}

// CancelSession implements spec.md §4.6's cancelSession operation: it
// unconditionally transitions to ready on success, and also transitions to
// ready on failure if currently submitted/streaming so the subscriber is
// never left blocked.
func (b *Broker) CancelSession(ctx context.Context, sessionKey string) error {
	sess, err := b.getLiveSession(sessionKey)
	if err != nil {
		return err
	}

	sess.Lock()
	defer sess.Unlock()

	conn, err := b.connFor(sess)
	if err != nil {
		return err
	}
	acpSessionID := sess.AcpSessionID()
	if acpSessionID == "" {
		return newError(CodeWrongState, "session has no acpSessionId yet", nil)
	}

	cancelErr := conn.Cancel(ctx, acp.SessionId(acpSessionID))
	if cancelErr == nil {
		b.redispatch(sess, sess.SetStatus(registry.StatusReady))
		return nil
	}

	status := sess.Status()
	if status == registry.StatusSubmitted || status == registry.StatusStreaming {
		b.redispatch(sess, sess.SetStatus(registry.StatusReady))
	}
	return newError(CodeInternal, "cancel failed", cancelErr)
}

// ApprovePermission implements spec.md §4.6's approvePermission operation.
func (b *Broker) ApprovePermission(sessionKey, toolCallID string, approved bool) error {
	sess, err := b.getLiveSession(sessionKey)
	if err != nil {
		return err
	}

	pending, ok := sess.TakePendingPermission(toolCallID)
	if !ok {
		return newError(CodeNotFound, fmt.Sprintf("no pending permission %q", toolCallID), nil)
	}

	resolution := registry.PermissionResolution{}
	if approved {
		optionID := chooseAllowOption(pending.Options)
		resolution = registry.PermissionResolution{Selected: true, OptionID: optionID}
	} else {
		resolution = registry.PermissionResolution{Cancelled: true}
	}

	select {
	case pending.ResolveCh <- resolution:
	default:
		b.logger.Warn("permission resolve channel was not awaited", zap.String("session_key", sessionKey), zap.String("tool_call_id", toolCallID))
	}
	return nil
}

// chooseAllowOption picks the first allow_once/allow_always option, falling
// back to the first available option, then the literal "allow", per
// §4.6's approvePermission rule.
func chooseAllowOption(options []acp.PermissionOption) string {
	for _, opt := range options {
		if opt.Kind == acp.PermissionOptionKindAllowOnce || opt.Kind == acp.PermissionOptionKindAllowAlways {
			return string(opt.OptionId)
		}
	}
	if len(options) > 0 {
		return string(options[0].OptionId)
	}
	return "allow"
}

// SetMode implements setSessionMode.
func (b *Broker) SetMode(ctx context.Context, sessionKey, modeID string) error {
	_, conn, acpSessionID, err := b.resolveLiveOperation(sessionKey)
	if err != nil {
		return err
	}
	if err := conn.SetSessionMode(ctx, acp.SessionId(acpSessionID), modeID); err != nil {
		return newError(CodeInternal, "setSessionMode failed", err)
	}
	return nil
}

// SetConfigOption implements setSessionConfigOption.
func (b *Broker) SetConfigOption(ctx context.Context, sessionKey, configID string, value any) error {
	_, conn, acpSessionID, err := b.resolveLiveOperation(sessionKey)
	if err != nil {
		return err
	}
	if err := conn.SetSessionConfigOption(ctx, acp.SessionId(acpSessionID), configID, value); err != nil {
		return newError(CodeInternal, "setSessionConfigOption failed", err)
	}
	return nil
}

// SetModel implements unstable_setSessionModel.
func (b *Broker) SetModel(ctx context.Context, sessionKey, modelID string) error {
	_, conn, acpSessionID, err := b.resolveLiveOperation(sessionKey)
	if err != nil {
		return err
	}
	if err := conn.UnstableSetSessionModel(ctx, acp.SessionId(acpSessionID), modelID); err != nil {
		return wrapUnstable(err)
	}
	return nil
}

// ListSessions implements unstable_listSessions against the connection a
// sessionKey currently resolves to, draining every page.
func (b *Broker) ListSessions(ctx context.Context, sessionKey, cwd string) ([]acp.SessionInfo, error) {
	sess, err := b.getLiveSession(sessionKey)
	if err != nil {
		return nil, err
	}
	conn, err := b.connFor(sess)
	if err != nil {
		return nil, err
	}
	effectiveCwd := cwd
	if effectiveCwd == "" {
		effectiveCwd = sess.Cwd
	}
	infos, err := conn.UnstableListSessions(ctx, effectiveCwd)
	if err != nil {
		return nil, wrapUnstable(err)
	}
	return infos, nil
}

// ForkSessionResult is the output of ForkSession.
type ForkSessionResult struct {
	NewSessionID string
}

// ForkSession implements unstable_forkSession. Per §9's resolved open
// question, the new id is returned to the caller but never persisted to the
// Conversation Store.
func (b *Broker) ForkSession(ctx context.Context, sessionKey string) (ForkSessionResult, error) {
	_, conn, acpSessionID, err := b.resolveLiveOperation(sessionKey)
	if err != nil {
		return ForkSessionResult{}, err
	}
	newID, err := conn.UnstableForkSession(ctx, acp.SessionId(acpSessionID))
	if err != nil {
		return ForkSessionResult{}, wrapUnstable(err)
	}
	return ForkSessionResult{NewSessionID: string(newID)}, nil
}

// ExtMethod implements extMethod, a bare passthrough that does not require
// an acpSessionId.
func (b *Broker) ExtMethod(ctx context.Context, sessionKey, method string, params any) (any, error) {
	sess, err := b.getLiveSession(sessionKey)
	if err != nil {
		return nil, err
	}
	conn, err := b.connFor(sess)
	if err != nil {
		return nil, err
	}
	result, err := conn.ExtMethod(ctx, method, params)
	if err != nil {
		return nil, newError(CodeInternal, "extMethod failed", err)
	}
	return result, nil
}

// resolveLiveOperation is the shared precondition for the thin passthrough
// operations that require both a live Connection and an acpSessionId.
func (b *Broker) resolveLiveOperation(sessionKey string) (*registry.Session, acpConn, string, error) {
	sess, err := b.getLiveSession(sessionKey)
	if err != nil {
		return nil, nil, "", err
	}
	conn, err := b.connFor(sess)
	if err != nil {
		return nil, nil, "", err
	}
	acpSessionID := sess.AcpSessionID()
	if acpSessionID == "" {
		return nil, nil, "", newError(CodeWrongState, "session has no acpSessionId yet", nil)
	}
	return sess, conn, acpSessionID, nil
}

func wrapUnstable(err error) error {
	return newError(CodeUnstableUnsupported, "operation unsupported by agent", err)
}

// DetachSession implements spec.md §4.6's detachSession operation: the
// child keeps running, events keep buffering, and a connection death
// becomes a silent finalization rather than an error event.
func (b *Broker) DetachSession(sessionKey string) error {
	sess, err := b.getLiveSession(sessionKey)
	if err != nil {
		return err
	}
	sess.Detach()
	return nil
}

// ReattachSession implements spec.md §4.6's reattachSession operation.
func (b *Broker) ReattachSession(ctx context.Context, sessionKey string) error {
	sess, err := b.getLiveSession(sessionKey)
	if err != nil {
		return err
	}
	sess.Reattach()
	sess.Coalescer.Flush(ctx)
	return nil
}

// KillSession implements spec.md §4.6's killSession operation.
func (b *Broker) KillSession(sessionKey string) error {
	if _, ok := b.registry.Get(sessionKey); !ok {
		return newError(CodeNotFound, fmt.Sprintf("unknown sessionKey %q", sessionKey), nil)
	}
	b.killSessionInternal(sessionKey)
	return nil
}
