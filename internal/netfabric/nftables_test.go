package netfabric

import (
	"testing"

	"github.com/google/nftables/expr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIfnamePadding(t *testing.T) {
	b := ifname("clawpot0")
	assert.Len(t, b, ifNameSz)
	assert.Equal(t, "clawpot0", string(b[:len("clawpot0")]))
	for _, c := range b[len("clawpot0"):] {
		assert.Equal(t, byte(0), c)
	}
}

func TestIfnameTruncatesOverlongNames(t *testing.T) {
	b := ifname("this-name-is-way-too-long-for-ifnamsiz")
	assert.Len(t, b, ifNameSz)
}

func TestRedirectRuleOrdersMatchBeforeRedirect(t *testing.T) {
	exprs := redirectRule(6, portHTTP, redirectHTTP)
	require.NotEmpty(t, exprs)

	_, lastIsRedir := exprs[len(exprs)-1].(*expr.Redir)
	assert.True(t, lastIsRedir, "redirect expression must be last")
}

func TestRedirectRuleDistinctPortsPerService(t *testing.T) {
	http := redirectRule(6, portHTTP, redirectHTTP)
	dns := redirectRule(17, portDNS, redirectDNS)
	assert.NotEqual(t, http, dns)
}
