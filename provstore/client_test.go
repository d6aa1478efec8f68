package provstore

import (
	"context"
	"database/sql"
	"testing"

	"github.com/homestead/hsscache/core"
	"github.com/stretchr/testify/assert"
)

func TestQuoteIdentifierDoublesEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, `"public_id_sip:a@ex.com"`, quoteIdentifier("public_id_sip:a@ex.com"))
	assert.Equal(t, `"has""quote"`, quoteIdentifier(`has"quote`))
}

func TestClassifyQueryErrMapsNoRowsToNotFound(t *testing.T) {
	err := classifyQueryErr("provstore.GetRegData", "sip:a@ex.com", sql.ErrNoRows)
	assert.True(t, core.IsNotFound(err))
}

func TestReadHAExhaustsAllHostsWhenUnreachable(t *testing.T) {
	// No live Postgres in this test environment: every host's lazy connect
	// fails, exercising readHA's retry-then-escalate-to-next-host path
	// without needing a real database.
	c := New(Config{Hosts: []string{
		"postgres://bad-host-1/db?sslmode=disable&connect_timeout=1",
		"postgres://bad-host-2/db?sslmode=disable&connect_timeout=1",
	}})

	_, err := c.GetRegData(context.Background(), "sip:alice@example.com")
	assert.Error(t, err)
	assert.Equal(t, core.Unavailable, core.CodeOf(err))
}

func TestNewWithNoHostsIsUnavailable(t *testing.T) {
	c := New(Config{})
	_, err := c.GetRegData(context.Background(), "sip:alice@example.com")
	assert.Error(t, err)
	assert.Equal(t, core.Unavailable, core.CodeOf(err))
}
