package model

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestChatTypeConversation(t *testing.T) {
	tests := []struct {
		typ  ChatType
		want bool
	}{
		{Direct, true},
		{Group, true},
		{Public, false},
		{Private, false},
	}
	for _, tt := range tests {
		if got := tt.typ.Conversation(); got != tt.want {
			t.Errorf("%s.Conversation() = %v, want %v", tt.typ, got, tt.want)
		}
	}
	if ChatType("dm").Valid() {
		t.Error("ChatType(dm).Valid() = true, want false")
	}
}

func TestMessageValidate(t *testing.T) {
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"valid", Message{ID: "m1", ChatID: "c1", CreatedAt: ts}, false},
		{"no id", Message{ChatID: "c1", CreatedAt: ts}, true},
		{"no chat", Message{ID: "m1", CreatedAt: ts}, true},
		{"no timestamp", Message{ID: "m1", ChatID: "c1"}, true},
		{"bad author", Message{ID: "m1", ChatID: "c1", CreatedAt: ts, Author: &Profile{ID: "u1"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalid) {
				t.Errorf("error %v does not wrap ErrInvalid", err)
			}
		})
	}
}

func TestChatDecodeFromRow(t *testing.T) {
	row := `{
		"id": "c1", "name": "", "private": true, "type": "direct",
		"created_at": "2024-01-01T00:00:00+00:00",
		"updated_at": "2024-01-01T00:00:00.123456+00:00",
		"chat_members": [
			{"profiles": {"id": "me", "username": "alice", "profile_image": null, "created_at": "2023-01-01T00:00:00Z"}},
			{"profiles": {"id": "u2", "username": "bob", "display_name": "Bob", "created_at": "2023-01-01T00:00:00Z"}}
		]
	}`
	var c Chat
	if err := json.Unmarshal([]byte(row), &c); err != nil {
		t.Fatal(err)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if got := c.Title("me"); got != "bob" {
		t.Errorf("Title(me) = %q, want bob", got)
	}
	p, ok := c.Counterpart("me")
	if !ok || p.Name() != "Bob" {
		t.Errorf("Counterpart(me) = %+v, %v", p, ok)
	}
}

func TestRelationshipRowValidate(t *testing.T) {
	a := Profile{ID: "a", Username: "a"}
	b := Profile{ID: "b", Username: "b"}
	if err := (RelationshipRow{Status: StatusFriends, User1: a, User2: b}).Validate(); err != nil {
		t.Errorf("valid row: %v", err)
	}
	if err := (RelationshipRow{Status: "blocked", User1: a, User2: b}).Validate(); err == nil {
		t.Error("unknown status accepted")
	}
}

func TestCredentialExpired(t *testing.T) {
	now := time.Now()
	var nilCred *Credential
	if !nilCred.Expired(now) {
		t.Error("nil credential should be expired")
	}
	if (&Credential{}).Expired(now) {
		t.Error("zero expiry should never expire")
	}
	if !(&Credential{ExpiresAt: now.Add(-time.Second)}).Expired(now) {
		t.Error("past expiry should be expired")
	}
}
