// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

func messagePrefix(sessionID string) string {
	return prefixMessage + sessionID + "/"
}

func messageKey(sessionID string, id uint64) string {
	return fmt.Sprintf("%s%020d", messagePrefix(sessionID), id)
}

// DefaultChatTitle is used when a chat session is created without one.
func DefaultChatTitle(agent AgentType, at time.Time) string {
	return fmt.Sprintf("%s Chat - %s", strings.ToUpper(string(agent)), at.Format("2006-01-02 15:04"))
}

// CreateOrGetChatSession returns the chat session with spec.ID, creating
// it if needed. An existing session has its last message time refreshed
// and its metadata backfilled if it had none.
func (s *Store) CreateOrGetChatSession(ctx context.Context, spec ChatSessionSpec) (*ChatSession, error) {
	if spec.ID == "" {
		return nil, errors.New("chat session id is required")
	}
	if !spec.AgentType.Valid() {
		return nil, fmt.Errorf("unknown agent type %q", spec.AgentType)
	}

	unlock := s.lockRecord(prefixChat + spec.ID)
	defer unlock()

	var cs ChatSession
	err := s.update(ctx, func(txn *badger.Txn) error {
		cs = ChatSession{}
		now := s.now().UTC()
		err := getJSON(txn, prefixChat+spec.ID, &cs)
		if err == nil {
			cs.LastMessageAt = now
			if cs.Metadata == nil && spec.Metadata != nil {
				cs.Metadata = spec.Metadata
			}
			return putJSON(txn, prefixChat+cs.ID, &cs)
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		cs = ChatSession{
			ID:            spec.ID,
			UserID:        spec.UserID,
			AgentType:     spec.AgentType,
			Title:         spec.Title,
			PortfolioID:   spec.PortfolioID,
			Metadata:      spec.Metadata,
			IsActive:      true,
			CreatedAt:     now,
			LastMessageAt: now,
		}
		if cs.Title == "" {
			cs.Title = DefaultChatTitle(spec.AgentType, now)
		}
		if err := putJSON(txn, prefixChat+cs.ID, &cs); err != nil {
			return err
		}
		if err := putIndex(txn, prefixUserChat+cs.UserID+"/"+cs.ID); err != nil {
			return err
		}
		if cs.PortfolioID != "" {
			return putIndex(txn, prefixPortfolioChat+cs.PortfolioID+"/"+cs.ID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// GetChatSession returns the chat session or ErrNotFound.
func (s *Store) GetChatSession(ctx context.Context, id string) (*ChatSession, error) {
	var cs ChatSession
	if err := s.view(ctx, func(txn *badger.Txn) error {
		return getJSON(txn, prefixChat+id, &cs)
	}); err != nil {
		return nil, err
	}
	return &cs, nil
}

// ListChatSessions returns a user's chat sessions, most recent first.
// An empty agent matches every agent type.
func (s *Store) ListChatSessions(ctx context.Context, userID string, agent AgentType, includeInactive bool) ([]*ChatSession, error) {
	return s.listChats(ctx, prefixUserChat+userID+"/", agent, includeInactive)
}

// ListPortfolioChatSessions returns the active chat sessions linked to a
// portfolio, most recent first.
func (s *Store) ListPortfolioChatSessions(ctx context.Context, portfolioID string, agent AgentType) ([]*ChatSession, error) {
	return s.listChats(ctx, prefixPortfolioChat+portfolioID+"/", agent, false)
}

func (s *Store) listChats(ctx context.Context, indexPrefix string, agent AgentType, includeInactive bool) ([]*ChatSession, error) {
	var out []*ChatSession
	err := s.view(ctx, func(txn *badger.Txn) error {
		for _, id := range scanKeys(txn, indexPrefix) {
			var cs ChatSession
			if err := getJSON(txn, prefixChat+id, &cs); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return err
			}
			if agent != "" && cs.AgentType != agent {
				continue
			}
			if !includeInactive && !cs.IsActive {
				continue
			}
			out = append(out, &cs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b *ChatSession) int { return b.LastMessageAt.Compare(a.LastMessageAt) })
	return out, nil
}

// AddMessage appends a message to a chat session. It returns ErrNotFound
// if the session does not exist.
func (s *Store) AddMessage(ctx context.Context, sessionID string, role MessageRole, content string, metadata map[string]any, tokenCount int) (*ChatMessage, error) {
	id, err := s.msgSeq.Next()
	if err != nil {
		return nil, fmt.Errorf("next message id: %w", err)
	}

	msg := ChatMessage{
		ID:         id,
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		Metadata:   metadata,
		TokenCount: tokenCount,
	}
	unlock := s.lockRecord(prefixChat + sessionID)
	defer unlock()
	err = s.update(ctx, func(txn *badger.Txn) error {
		var cs ChatSession
		if err := getJSON(txn, prefixChat+sessionID, &cs); err != nil {
			if errors.Is(err, ErrNotFound) {
				return fmt.Errorf("chat session %s: %w", sessionID, ErrNotFound)
			}
			return err
		}
		msg.Timestamp = s.now().UTC()
		cs.LastMessageAt = msg.Timestamp
		cs.MessageCount++
		cs.TotalTokens += tokenCount
		if err := putJSON(txn, messageKey(sessionID, id), &msg); err != nil {
			return err
		}
		return putJSON(txn, prefixChat+sessionID, &cs)
	})
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// Messages returns a session's messages in order. A positive limit caps
// the result; offset skips from the start.
func (s *Store) Messages(ctx context.Context, sessionID string, limit, offset int) ([]*ChatMessage, error) {
	var out []*ChatMessage
	err := s.view(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, prefixChat+sessionID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("chat session %s: %w", sessionID, ErrNotFound)
		}
		msgs, err := scanJSON[ChatMessage](txn, messagePrefix(sessionID))
		if err != nil {
			return err
		}
		if offset > 0 {
			if offset >= len(msgs) {
				msgs = nil
			} else {
				msgs = msgs[offset:]
			}
		}
		if limit > 0 && len(msgs) > limit {
			msgs = msgs[:limit]
		}
		out = make([]*ChatMessage, len(msgs))
		for i := range msgs {
			out[i] = &msgs[i]
		}
		return nil
	})
	return out, err
}

// RecentMessages returns the last n messages of a session in order.
func (s *Store) RecentMessages(ctx context.Context, sessionID string, n int) ([]*ChatMessage, error) {
	msgs, err := s.Messages(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// UpdateChatTitle renames a chat session.
func (s *Store) UpdateChatTitle(ctx context.Context, id, title string) (*ChatSession, error) {
	return s.mutateChat(ctx, id, func(cs *ChatSession) { cs.Title = title })
}

// SetChatSummary stores a generated summary on the chat session.
func (s *Store) SetChatSummary(ctx context.Context, id, summary string) (*ChatSession, error) {
	return s.mutateChat(ctx, id, func(cs *ChatSession) { cs.Summary = summary })
}

// DeactivateChatSession hides a chat session from default listings.
func (s *Store) DeactivateChatSession(ctx context.Context, id string) error {
	_, err := s.mutateChat(ctx, id, func(cs *ChatSession) { cs.IsActive = false })
	return err
}

func (s *Store) mutateChat(ctx context.Context, id string, fn func(*ChatSession)) (*ChatSession, error) {
	unlock := s.lockRecord(prefixChat + id)
	defer unlock()

	var cs ChatSession
	err := s.update(ctx, func(txn *badger.Txn) error {
		cs = ChatSession{}
		if err := getJSON(txn, prefixChat+id, &cs); err != nil {
			return err
		}
		fn(&cs)
		return putJSON(txn, prefixChat+id, &cs)
	})
	if err != nil {
		return nil, err
	}
	return &cs, nil
}

// ClearMessages deletes every message of a session and returns how many
// were removed.
func (s *Store) ClearMessages(ctx context.Context, id string) (int, error) {
	unlock := s.lockRecord(prefixChat + id)
	defer unlock()

	var n int
	err := s.update(ctx, func(txn *badger.Txn) error {
		var cs ChatSession
		if err := getJSON(txn, prefixChat+id, &cs); err != nil {
			return err
		}
		var err error
		if n, err = deletePrefix(txn, messagePrefix(id)); err != nil {
			return err
		}
		cs.MessageCount, cs.TotalTokens = 0, 0
		return putJSON(txn, prefixChat+id, &cs)
	})
	return n, err
}

// DeleteChatSession removes a chat session and its messages. If no chat
// session exists but a portfolio session with the same thread ID does
// (a session that never received a message), that binding is removed
// instead. It returns ErrNotFound if neither exists.
func (s *Store) DeleteChatSession(ctx context.Context, id string) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		var cs ChatSession
		err := getJSON(txn, prefixChat+id, &cs)
		if errors.Is(err, ErrNotFound) {
			var sess Session
			if err := getJSON(txn, prefixSession+id, &sess); err != nil {
				return err
			}
			if err := txn.Delete([]byte(prefixPortfolioSession + sess.PortfolioID + "/" + id)); err != nil {
				return err
			}
			return txn.Delete([]byte(prefixSession + id))
		}
		if err != nil {
			return err
		}

		if _, err := deletePrefix(txn, messagePrefix(id)); err != nil {
			return err
		}
		if err := txn.Delete([]byte(prefixUserChat + cs.UserID + "/" + id)); err != nil {
			return err
		}
		if cs.PortfolioID != "" {
			if err := txn.Delete([]byte(prefixPortfolioChat + cs.PortfolioID + "/" + id)); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(prefixChat + id))
	})
}

// ChatSessionStats returns message and token totals for a session.
func (s *Store) ChatSessionStats(ctx context.Context, id string) (*SessionStats, error) {
	cs, err := s.GetChatSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SessionStats{
		SessionID:     cs.ID,
		MessageCount:  cs.MessageCount,
		TotalTokens:   cs.TotalTokens,
		AgentType:     cs.AgentType,
		CreatedAt:     cs.CreatedAt,
		LastMessageAt: cs.LastMessageAt,
	}, nil
}

// UserStats counts a user's sessions by agent and their messages.
func (s *Store) UserStats(ctx context.Context, userID string) (*UserStats, error) {
	sessions, err := s.ListChatSessions(ctx, userID, "", true)
	if err != nil {
		return nil, err
	}
	stats := &UserStats{UserID: userID, TotalSessions: len(sessions)}
	for _, cs := range sessions {
		switch cs.AgentType {
		case AgentRAG:
			stats.RAGSessions++
		case AgentQuant:
			stats.QuantSessions++
		}
		stats.TotalMessages += cs.MessageCount
	}
	return stats, nil
}
