package entity

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashFields_Deterministic(t *testing.T) {
	fields := []Field{
		{Name: "title", Value: "Fix login bug"},
		{Name: "status", Value: "open"},
	}
	assert.Equal(t, HashFields(fields), HashFields(fields))
}

func TestHashFields_OrderSensitive(t *testing.T) {
	a := []Field{{Name: "title", Value: "A"}, {Name: "status", Value: "B"}}
	b := []Field{{Name: "status", Value: "B"}, {Name: "title", Value: "A"}}
	assert.NotEqual(t, HashFields(a), HashFields(b))
}

func TestHashFields_NoBoundaryCollision(t *testing.T) {
	// "ab"+"c" must not hash like "a"+"bc"
	a := []Field{{Name: "x", Value: "ab"}, {Name: "y", Value: "c"}}
	b := []Field{{Name: "x", Value: "a"}, {Name: "y", Value: "bc"}}
	assert.NotEqual(t, HashFields(a), HashFields(b))
}

func TestCanonicalText(t *testing.T) {
	e := &Entity{
		Kind: KindTask,
		Fields: []Field{
			{Name: "title", Value: "Fix login bug"},
			{Name: "description", Value: ""},
			{Name: "status", Value: "open"},
		},
	}
	text := e.CanonicalText()
	assert.Equal(t, "Task\ntitle: Fix login bug\nstatus: open", text)
	assert.False(t, strings.Contains(text, "description"), "empty fields are omitted")
}

func TestKindValid(t *testing.T) {
	assert.True(t, KindTask.Valid())
	assert.True(t, KindComment.Valid())
	assert.False(t, Kind("attachment").Valid())
}
