package netfabric

import (
	"net"

	"github.com/clawpot/clawpotd/internal/errx"
	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"
	"golang.org/x/sys/unix"
)

// Ports the proxies bind, redirected to from the bridge. Kept in one place
// since the packet filter and the proxy listeners must agree on them.
const (
	portHTTP  = 80
	portHTTPS = 443
	portDNS   = 53

	redirectHTTP  = 10080
	redirectHTTPS = 10443
	redirectDNS   = 10053
)

const tableName = "clawpot"

// Filter owns the single nftables table shared by the whole bridge: one
// NAT chain redirecting HTTP/HTTPS/DNS to the local proxies, one filter
// chain dropping everything else the bridge tries to forward. Per-VM
// source-IP pin rules are appended as TAPs come; they are not removed when
// a TAP goes away, only together with the whole table by Cleanup.
type Filter struct {
	conn  *nftables.Conn
	table *nftables.Table
	fwd   *nftables.Chain
}

// NewFilter opens a netlink connection to the kernel's nftables subsystem.
func NewFilter() (*Filter, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, errx.Wrap(ErrNFTablesConn, err)
	}
	return &Filter{conn: conn}, nil
}

// Setup installs the six bridge-wide rules, in
// order: redirect tcp/80, redirect tcp/443, redirect udp/53, redirect
// tcp/53, accept established/related forwarded traffic, then drop
// everything else the bridge forwards. Idempotent: it
// first removes any existing table of the same name.
func (f *Filter) Setup() error {
	f.removeExistingTable()

	f.table = f.conn.AddTable(&nftables.Table{
		Family: nftables.TableFamilyIPv4,
		Name:   tableName,
	})

	prerouting := f.conn.AddChain(&nftables.Chain{
		Name:     "prerouting",
		Table:    f.table,
		Type:     nftables.ChainTypeNAT,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityNATDest,
	})

	f.fwd = f.conn.AddChain(&nftables.Chain{
		Name:     "forward",
		Table:    f.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookForward,
		Priority: nftables.ChainPriorityFilter,
	})

	f.conn.AddRule(&nftables.Rule{
		Table: f.table, Chain: prerouting,
		Exprs: redirectRule(unix.IPPROTO_TCP, portHTTP, redirectHTTP),
	})
	f.conn.AddRule(&nftables.Rule{
		Table: f.table, Chain: prerouting,
		Exprs: redirectRule(unix.IPPROTO_TCP, portHTTPS, redirectHTTPS),
	})
	f.conn.AddRule(&nftables.Rule{
		Table: f.table, Chain: prerouting,
		Exprs: redirectRule(unix.IPPROTO_UDP, portDNS, redirectDNS),
	})
	f.conn.AddRule(&nftables.Rule{
		Table: f.table, Chain: prerouting,
		Exprs: redirectRule(unix.IPPROTO_TCP, portDNS, redirectDNS),
	})

	f.conn.AddRule(&nftables.Rule{
		Table: f.table, Chain: f.fwd,
		Exprs: acceptEstablishedRule(),
	})
	f.conn.AddRule(&nftables.Rule{
		Table: f.table, Chain: f.fwd,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(BridgeName)},
			&expr.Verdict{Kind: expr.VerdictDrop},
		},
	})

	if err := f.conn.Flush(); err != nil {
		return errx.Wrap(ErrNFTablesApply, err)
	}
	return nil
}

func (f *Filter) removeExistingTable() {
	tables, err := f.conn.ListTables()
	if err != nil {
		return
	}
	for _, t := range tables {
		if t.Name == tableName && t.Family == nftables.TableFamilyIPv4 {
			f.conn.DelTable(t)
		}
	}
	_ = f.conn.Flush()
}

// Cleanup removes the shared table. Best-effort.
func (f *Filter) Cleanup() error {
	f.removeExistingTable()
	return nil
}

// PinSourceIP adds a per-VM rule dropping any frame arriving on tapName
// whose source address is not ip, so a guest cannot spoof another VM's
// address onto the bridge.
func (f *Filter) PinSourceIP(tapName string, ip net.IP) error {
	if f.table == nil || f.fwd == nil {
		return errx.With(ErrNFTablesApply, " filter not set up")
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return errx.With(ErrNFTablesApply, " %s is not an IPv4 address", ip)
	}

	f.conn.AddRule(&nftables.Rule{
		Table: f.table, Chain: f.fwd,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(tapName)},
			&expr.Payload{
				DestRegister: 2,
				Base:         expr.PayloadBaseNetworkHeader,
				Offset:       12, // IPv4 source address
				Len:          4,
			},
			&expr.Cmp{Op: expr.CmpOpNeq, Register: 2, Data: []byte(ip4)},
			&expr.Verdict{Kind: expr.VerdictDrop},
		},
	})

	if err := f.conn.Flush(); err != nil {
		return errx.Wrap(ErrNFTablesApply, err)
	}
	return nil
}

// redirectRule builds "ip protocol proto meta iifname BridgeName tcp/udp
// dport port redirect to :toPort" — a REDIRECT-to-local-port rule
// equivalent to the iptables nat PREROUTING rules this fleet used to run,
// expressed with the native primitives.
func redirectRule(proto uint8, port, toPort uint16) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(BridgeName)},
		&expr.Meta{Key: expr.MetaKeyL4PROTO, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte{proto}},
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseTransportHeader,
			Offset:       2,
			Len:          2,
		},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: binaryutil.BigEndian.PutUint16(port)},
		&expr.Immediate{Register: 1, Data: binaryutil.BigEndian.PutUint16(toPort)},
		&expr.Redir{RegisterProtoMin: 1},
	}
}

func acceptEstablishedRule() []expr.Any {
	return []expr.Any{
		&expr.Ct{Key: expr.CtKeySTATE, Register: 1},
		&expr.Bitwise{
			SourceRegister: 1, DestRegister: 1, Len: 4,
			Mask: binaryutil.NativeEndian.PutUint32(expr.CtStateBitESTABLISHED | expr.CtStateBitRELATED),
			Xor:  binaryutil.NativeEndian.PutUint32(0),
		},
		&expr.Cmp{Op: expr.CmpOpNeq, Register: 1, Data: binaryutil.NativeEndian.PutUint32(0)},
		&expr.Verdict{Kind: expr.VerdictAccept},
	}
}

// ifname pads an interface name to IFNAMSIZ bytes, the form nftables meta
// expressions compare against.
func ifname(n string) []byte {
	b := make([]byte, ifNameSz)
	copy(b, n)
	return b
}
