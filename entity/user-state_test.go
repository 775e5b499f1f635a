package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUserState_Reset(t *testing.T) {
	s := NewUserState(&ConversationUser{ID: "u1", TenantID: "t1", BotID: "b1"})
	s.CurrentFunnelID = "lead"
	s.CurrentStepID = "ask_name"
	s.WaitingFor = InputText
	s.Collect("name", "John")
	s.Set(CtxRetries, 2)
	s.LastEventID = "e7"
	s.Version = 4

	assert.True(t, s.Active())
	s.Reset()

	assert.False(t, s.Active())
	assert.Equal(t, InputNone, s.WaitingFor)
	assert.Empty(t, s.CollectedData)
	assert.Empty(t, s.Context)
	assert.Equal(t, "e7", s.LastEventID)
	assert.Equal(t, int64(4), s.Version)
	assert.Equal(t, "u1", s.ConversationUserID)
}

func TestUserState_CloneIsIndependent(t *testing.T) {
	s := &UserState{ConversationUserID: "u1"}
	c := s.Clone()
	c.Collect("email", "a@b.c")
	c.Set(CtxQuizScore, 3)

	assert.Nil(t, s.CollectedData)
	assert.Nil(t, s.Context)
	assert.Equal(t, 3, c.GetInt(CtxQuizScore))

	s2 := &UserState{Context: map[string]any{"k": "v"}}
	c2 := s2.Clone()
	c2.Set("k", "changed")
	assert.Equal(t, "v", s2.GetString("k"))
}

func TestUserState_Getters(t *testing.T) {
	s := &UserState{}
	s.Set("i", int64(5))
	s.Set("f", float64(2))
	s.Set("b", true)
	s.Set("s", "x")

	assert.Equal(t, 5, s.GetInt("i"))
	assert.Equal(t, 2, s.GetInt("f"))
	assert.Equal(t, 0, s.GetInt("s"))
	assert.True(t, s.GetBool("b"))
	assert.Equal(t, "", s.GetString("missing"))

	s.Unset("s")
	assert.Equal(t, "", s.GetString("s"))
}

func TestUserState_Expired(t *testing.T) {
	now := time.Now()
	assert.False(t, (&UserState{}).Expired(now))
	assert.True(t, (&UserState{ExpiresAt: now.Add(-time.Second)}).Expired(now))
	assert.False(t, (&UserState{ExpiresAt: now.Add(time.Second)}).Expired(now))
}

func TestConversationUserID_Stable(t *testing.T) {
	a := ConversationUserID("t1", "b1", 42)
	assert.Equal(t, a, ConversationUserID("t1", "b1", 42))
	assert.NotEqual(t, a, ConversationUserID("t1", "b2", 42))
	assert.NotEqual(t, a, ConversationUserID("t1", "b1", 43))
}

func TestConversationUser_Tags(t *testing.T) {
	u := &ConversationUser{FirstName: "Ann", LastName: "Lee"}
	u.AddTags("a", "", "b", "a")
	assert.Equal(t, []string{"a", "b"}, u.Tags)
	assert.True(t, u.HasTags([]string{"a", "b"}))
	assert.False(t, u.HasTags([]string{"a", "c"}))
	assert.Equal(t, "Ann Lee", u.DisplayName())
	assert.Equal(t, "ann", (&ConversationUser{Username: "ann"}).DisplayName())
}
