package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCacheHitAndMiss(t *testing.T) {
	c := NewCache(time.Minute)
	g := &Grant{ID: 1, UserID: 7, ChannelID: "UCabc"}

	assert.Nil(t, c.Get(7, "UCabc"))

	c.Put(7, "UCabc", g)
	assert.Same(t, g, c.Get(7, "UCabc"))
	assert.Nil(t, c.Get(7, "UCother"))
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(time.Minute)

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put(7, "UCabc", &Grant{ID: 1})
	assert.NotNil(t, c.Get(7, "UCabc"))

	now = now.Add(2 * time.Minute)
	assert.Nil(t, c.Get(7, "UCabc"))
}

func TestCacheInvalidate(t *testing.T) {
	c := NewCache(time.Minute)
	g := &Grant{ID: 1, UserID: 7, ChannelID: "UCabc"}

	c.Put(7, "UCabc", g)
	c.Put(7, "", g)
	c.Put(0, "UCabc", g)

	c.Invalidate(7, "UCabc")

	assert.Nil(t, c.Get(7, "UCabc"))
	assert.Nil(t, c.Get(7, ""))
	assert.Nil(t, c.Get(0, "UCabc"))
}

func TestCacheDisabled(t *testing.T) {
	c := NewCache(0)

	c.Put(7, "UCabc", &Grant{ID: 1})
	assert.Nil(t, c.Get(7, "UCabc"))
}
