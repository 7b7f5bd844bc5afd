package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// InMemoryStore is a Store kept entirely in process memory. It is used by
// tests and by single-process deployments that accept losing state on restart.
type InMemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]models.WorkflowDefinition
	sessions  map[string]models.ConversationSession
	contacts  map[string]models.Contact // keyed by tenant|phone
	leads     map[string]models.Lead    // keyed by session id
	dedup     map[string]DedupRecord
	outbox    map[string]OutboxMessage
	jobs      map[string]Job
	closed    bool
}

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows: make(map[string]models.WorkflowDefinition),
		sessions:  make(map[string]models.ConversationSession),
		contacts:  make(map[string]models.Contact),
		leads:     make(map[string]models.Lead),
		dedup:     make(map[string]DedupRecord),
		outbox:    make(map[string]OutboxMessage),
		jobs:      make(map[string]Job),
	}
}

// Close marks the store closed. Data is kept so tests can inspect it.
func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// --- workflows ---

func (s *InMemoryStore) SaveWorkflow(ctx context.Context, w *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.workflows[w.ID]; ok && existing.Status != models.WorkflowStatusDraft {
		return ErrInvalidTransition
	}
	now := nowUTC()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = now
	if w.Status == "" {
		w.Status = models.WorkflowStatusDraft
	}
	s.workflows[w.ID] = *w.Clone()
	return nil
}

func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return w.Clone(), nil
}

func (s *InMemoryStore) ListWorkflows(ctx context.Context, f WorkflowFilter) ([]models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WorkflowDefinition
	for _, w := range s.workflows {
		if f.TenantID != "" && w.TenantID != f.TenantID {
			continue
		}
		if f.ChannelID != "" && w.ChannelID != f.ChannelID {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		out = append(out, *w.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) PublishWorkflow(ctx context.Context, id, supersedesID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status != models.WorkflowStatusDraft {
		return ErrInvalidTransition
	}
	at = at.UTC()
	w.Status = models.WorkflowStatusActive
	w.PublishedAt = &at
	w.UpdatedAt = at
	s.workflows[id] = w
	if old, ok := s.workflows[supersedesID]; ok && supersedesID != id && old.Status == models.WorkflowStatusActive {
		old.Status = models.WorkflowStatusArchived
		old.ArchivedAt = &at
		old.UpdatedAt = at
		s.workflows[supersedesID] = old
	}
	return nil
}

func (s *InMemoryStore) ArchiveWorkflow(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		return ErrNotFound
	}
	if w.Status == models.WorkflowStatusArchived {
		return nil
	}
	at = at.UTC()
	w.Status = models.WorkflowStatusArchived
	w.ArchivedAt = &at
	w.UpdatedAt = at
	s.workflows[id] = w
	return nil
}

// --- sessions ---

func (s *InMemoryStore) GetSession(ctx context.Context, id string) (*models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *InMemoryStore) GetActiveSession(ctx context.Context, channelID, contact string) (*models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sess := s.activeSessionLocked(channelID, contact, ""); sess != nil {
		return sess.Clone(), nil
	}
	return nil, nil
}

// activeSessionLocked finds the active session of a contact, ignoring excludeID.
func (s *InMemoryStore) activeSessionLocked(channelID, contact, excludeID string) *models.ConversationSession {
	for _, sess := range s.sessions {
		if sess.ID == excludeID {
			continue
		}
		if sess.ChannelID == channelID && sess.ContactAddress == contact && sess.Status == models.SessionStatusActive {
			return &sess
		}
	}
	return nil
}

func (s *InMemoryStore) GetLatestSession(ctx context.Context, channelID, contact string) (*models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.ConversationSession
	for _, sess := range s.sessions {
		if sess.ChannelID != channelID || sess.ContactAddress != contact {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			c := sess
			latest = &c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return latest.Clone(), nil
}

func (s *InMemoryStore) ListSessions(ctx context.Context, f models.SessionFilter) ([]models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConversationSession
	for _, sess := range s.sessions {
		if f.WorkflowID != "" && sess.WorkflowID != f.WorkflowID {
			continue
		}
		if f.ChannelID != "" && sess.ChannelID != f.ChannelID {
			continue
		}
		if f.Contact != "" && sess.ContactAddress != f.Contact {
			continue
		}
		if f.Status != "" && sess.Status != f.Status {
			continue
		}
		out = append(out, *sess.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = defaultSessionListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListStaleSessions(ctx context.Context, idleBefore time.Time, limit int) ([]models.ConversationSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ConversationSession
	for _, sess := range s.sessions {
		if sess.Status == models.SessionStatusActive && sess.LastActivityAt.Before(idleBefore) {
			out = append(out, *sess.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastActivityAt.Before(out[j].LastActivityAt) })
	if limit <= 0 {
		limit = defaultSessionListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) UpdateSessionProjection(ctx context.Context, id string, status models.ProjectionStatus, contactID, leadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Projection = status
	if contactID != "" {
		sess.CRMContactID = contactID
	}
	if leadID != "" {
		sess.CRMLeadID = leadID
	}
	s.sessions[id] = sess
	return nil
}

func (s *InMemoryStore) CountSessionsByStatus(ctx context.Context, workflowID string) (map[models.SessionStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[models.SessionStatus]int)
	for _, sess := range s.sessions {
		if sess.WorkflowID == workflowID {
			counts[sess.Status]++
		}
	}
	return counts, nil
}

func (s *InMemoryStore) CommitTransition(ctx context.Context, t Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowUTC()

	if t.MessageID != "" {
		if _, dup := s.dedup[t.MessageID]; dup {
			return ErrDuplicateMessage
		}
	}
	// Validate every session before mutating anything so the commit stays atomic.
	pending := make(map[string]models.ConversationSession, len(t.Sessions))
	for _, sess := range t.Sessions {
		pending[sess.ID] = *sess.Clone()
	}
	for _, sess := range t.Sessions {
		if sess.Status != models.SessionStatusActive {
			continue
		}
		if other := s.activeSessionLocked(sess.ChannelID, sess.ContactAddress, sess.ID); other != nil {
			if p, ok := pending[other.ID]; !ok || p.Status == models.SessionStatusActive {
				return ErrActiveSessionExists
			}
		}
	}

	if t.MessageID != "" {
		processed := now
		s.dedup[t.MessageID] = DedupRecord{MessageID: t.MessageID, Contact: t.Contact, ReceivedAt: now, ProcessedAt: &processed}
	}
	for _, sess := range t.Sessions {
		stored := pending[sess.ID]
		if stored.Projection == "" {
			stored.Projection = models.ProjectionNone
		}
		s.sessions[sess.ID] = stored
	}
	for i, msg := range t.Outbox {
		if msg.Seq == 0 {
			msg.Seq = i
		}
		s.insertOutboxLocked(msg, now)
	}
	for _, spec := range t.Jobs {
		s.insertJobLocked(spec, now)
	}
	return nil
}

// --- contacts and leads ---

func contactKey(tenantID, phone string) string {
	return tenantID + "|" + phone
}

func (s *InMemoryStore) UpsertContact(ctx context.Context, u models.ContactUpsert) (*models.Contact, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := nowUTC()
	key := contactKey(u.TenantID, u.Phone)
	c, ok := s.contacts[key]
	if !ok {
		c = models.Contact{
			ID:        util.GenerateContactID(),
			TenantID:  u.TenantID,
			Phone:     u.Phone,
			Name:      u.Name,
			Fields:    mergeFields(nil, u.Fields),
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.contacts[key] = c
		out := c
		out.Fields = mergeFields(nil, c.Fields)
		return &out, true, nil
	}
	c.Fields = mergeFields(c.Fields, u.Fields)
	if u.Name != "" {
		c.Name = u.Name
	}
	c.UpdatedAt = now
	s.contacts[key] = c
	out := c
	out.Fields = mergeFields(nil, c.Fields)
	return &out, false, nil
}

func (s *InMemoryStore) GetContactByPhone(ctx context.Context, tenantID, phone string) (*models.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[contactKey(tenantID, phone)]
	if !ok {
		return nil, ErrNotFound
	}
	c.Fields = mergeFields(nil, c.Fields)
	return &c, nil
}

func (s *InMemoryStore) CreateLead(ctx context.Context, lead models.Lead) (*models.Lead, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.leads[lead.SessionID]; ok {
		existing.Fields = mergeFields(nil, existing.Fields)
		return &existing, nil
	}
	if lead.ID == "" {
		lead.ID = util.GenerateLeadID()
	}
	if lead.CreatedAt.IsZero() {
		lead.CreatedAt = nowUTC()
	}
	lead.Fields = mergeFields(nil, lead.Fields)
	s.leads[lead.SessionID] = lead
	out := lead
	out.Fields = mergeFields(nil, lead.Fields)
	return &out, nil
}

func (s *InMemoryStore) CountLeads(ctx context.Context, workflowID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, l := range s.leads {
		if l.WorkflowID == workflowID {
			n++
		}
	}
	return n, nil
}

// --- dedup ---

func (s *InMemoryStore) IsDuplicate(ctx context.Context, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, contact string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, Contact: contact, ReceivedAt: nowUTC()}
	return true, nil
}

// --- outbox ---

func (s *InMemoryStore) EnqueueOutboxMessage(ctx context.Context, msg OutboxMessage) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertOutboxLocked(msg, nowUTC()), nil
}

func (s *InMemoryStore) insertOutboxLocked(msg OutboxMessage, now time.Time) string {
	if msg.DedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == msg.DedupeKey && !outboxTerminal(m.Status) {
				return m.ID
			}
		}
	}
	if msg.ID == "" {
		msg.ID = util.GenerateRandomID("outbox_", 32)
	}
	msg.Status = OutboxStatusQueued
	msg.Attempts = 0
	msg.CreatedAt = now
	msg.UpdatedAt = now
	s.outbox[msg.ID] = msg
	return msg.ID
}

func outboxTerminal(st OutboxStatus) bool {
	return st == OutboxStatusSent || st == OutboxStatusCanceled || st == OutboxStatusFailed
}

func (s *InMemoryStore) sortedOutboxLocked() []OutboxMessage {
	all := make([]OutboxMessage, 0, len(s.outbox))
	for _, m := range s.outbox {
		all = append(all, m)
	}
	sortOutbox(all)
	return all
}

func (s *InMemoryStore) ClaimDueOutboxMessages(ctx context.Context, now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now = now.UTC()
	blocked := make(map[string]bool)
	var claimed []OutboxMessage
	for _, m := range s.sortedOutboxLocked() {
		if len(claimed) >= limit {
			break
		}
		key := m.ChannelID + "|" + m.Recipient
		switch m.Status {
		case OutboxStatusSending:
			blocked[key] = true
			continue
		case OutboxStatusQueued:
		default:
			continue
		}
		due := m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)
		if !due {
			blocked[key] = true
			continue
		}
		if blocked[key] {
			continue
		}
		m.Status = OutboxStatusSending
		lockedAt := now
		m.LockedAt = &lockedAt
		m.UpdatedAt = now
		s.outbox[m.ID] = m
		claimed = append(claimed, m)
	}
	return claimed, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(m *OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return ErrNotFound
	}
	fn(&m)
	m.UpdatedAt = nowUTC()
	s.outbox[id] = m
	return nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(ctx context.Context, id, providerMessageID string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusSent
		m.ProviderMessageID = providerMessageID
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) FailOutboxMessage(ctx context.Context, id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		next := nextAttemptAt.UTC()
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) MarkOutboxMessageFailed(ctx context.Context, id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) ReleaseOutboxMessage(ctx context.Context, id string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		if m.Status != OutboxStatusSending {
			return
		}
		next := nextAttemptAt.UTC()
		m.Status = OutboxStatusQueued
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			s.outbox[id] = m
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListSessionDeliveries(ctx context.Context, sessionID string) ([]OutboxMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []OutboxMessage
	for _, m := range s.sortedOutboxLocked() {
		if m.SessionID == sessionID {
			out = append(out, m)
		}
	}
	return out, nil
}

// --- jobs ---

func (s *InMemoryStore) EnqueueJob(ctx context.Context, spec JobSpec) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertJobLocked(spec, nowUTC()), nil
}

func (s *InMemoryStore) insertJobLocked(spec JobSpec, now time.Time) string {
	if spec.DedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == spec.DedupeKey && j.Status != JobStatusDone && j.Status != JobStatusCanceled && j.Status != JobStatusFailed {
				return j.ID
			}
		}
	}
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultJobMaxAttempts
	}
	runAt := spec.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	j := Job{
		ID:          util.GenerateRandomID("job_", 32),
		Kind:        spec.Kind,
		RunAt:       runAt.UTC(),
		PayloadJSON: spec.PayloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: maxAttempts,
		DedupeKey:   spec.DedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID
}

func (s *InMemoryStore) ClaimDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.SliceStable(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		lockedAt := now
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) updateJob(id string, fn func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(&j)
	j.UpdatedAt = nowUTC()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) CompleteJob(ctx context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) FailJob(ctx context.Context, id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt.UTC()
	})
}

func (s *InMemoryStore) CancelJob(ctx context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleRunningJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}
