package ca

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGeneratesRootOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	c, err := Load(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, c.RootCertPEM())
}

func TestLoadReusesPersistedRoot(t *testing.T) {
	dir := t.TempDir()
	first, err := Load(dir)
	require.NoError(t, err)

	second, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, first.RootCertPEM(), second.RootCertPEM())
}

func TestGetOrCreateCertCachesByExactDomain(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)

	cert1, err := c.GetOrCreateCert("example.com")
	require.NoError(t, err)
	cert2, err := c.GetOrCreateCert("example.com")
	require.NoError(t, err)

	assert.Same(t, cert1, cert2)
}

func TestGetOrCreateCertDistinctPerDomain(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)

	a, err := c.GetOrCreateCert("a.example.com")
	require.NoError(t, err)
	b, err := c.GetOrCreateCert("b.example.com")
	require.NoError(t, err)

	assert.NotEqual(t, a.Certificate[0], b.Certificate[0])
}

func TestGetOrCreateCertNoWildcardFolding(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)

	exact, err := c.GetOrCreateCert("sub.example.com")
	require.NoError(t, err)
	other, err := c.GetOrCreateCert("other.example.com")
	require.NoError(t, err)

	assert.NotSame(t, exact, other)
}
