package env

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/ruteri/tee-secret-recovery/connmgr"
	"github.com/ruteri/tee-secret-recovery/cryptoutils"
	"github.com/ruteri/tee-secret-recovery/enclavetest"
	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/ruteri/tee-secret-recovery/serviceresolver"
	"github.com/ruteri/tee-secret-recovery/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestEmbeddedEnvironments(t *testing.T) {
	assert.Equal(t, []string{"local", "staging"}, Names())

	local, err := Load("local")
	require.NoError(t, err)
	assert.Equal(t, "local", local.Name)
	assert.Equal(t, 10*time.Second, local.ConnectTimeout)
	assert.Equal(t, time.Second, local.Retry.InitialCooldown)
	assert.Equal(t, cryptoutils.DefaultKDFParams(), local.KDF)
	assert.Equal(t, "dev", local.Svr3.Sgx.Verifier)
	require.NotNil(t, local.Svr3.Nitro.Raft)
	assert.Equal(t, enclavetest.LocalRaft, *local.Svr3.Nitro.Raft)

	sgx, err := local.SgxConnection()
	require.NoError(t, err)
	assert.Equal(t, enclavetest.SgxIdentity.Path(), sgx.Path)
	assert.IsType(t, cryptoutils.DevVerifier{}, sgx.Params.Verifier)
	assert.IsType(t, &connmgr.SingleRouteThrottlingManager{}, sgx.Manager)

	_, err = local.CdsiConnection()
	assert.Error(t, err)

	staging, err := Load("staging")
	require.NoError(t, err)
	assert.Equal(t, 0.1, staging.Retry.Jitter)

	sgx, err = staging.SgxConnection()
	require.NoError(t, err)
	assert.Nil(t, sgx.Params.Verifier)
	routes := sgx.Manager.Routes()
	require.Len(t, routes, 3)
	assert.Equal(t, "svr3.staging.example.org", routes[0].Host)
	assert.Equal(t, "198.51.100.10", routes[1].Host)
	assert.Equal(t, "svr3.staging.example.org", routes[1].HostHeader)
	assert.True(t, routes[2].TLS)

	cdsi, err := staging.CdsiConnection()
	require.NoError(t, err)
	assert.Equal(t, "/v1/0f6fd79cdfdaa5b2e6337f534d3baf999318b0c462a7ac1f41297a3e4b424a57/discovery", cdsi.Path)

	_, err = Load("production")
	assert.ErrorIs(t, err, ErrUnknownEnvironment)
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{name: "missing mr_enclave", yaml: `
test:
  svr3:
    sgx: {hostname: a}
    nitro: {hostname: b, mr_enclave: n}
`},
		{name: "unknown verifier", yaml: `
test:
  svr3:
    sgx: {hostname: a, mr_enclave: "00", verifier: tpm}
    nitro: {hostname: b, mr_enclave: n}
`},
		{name: "invalid raft", yaml: `
test:
  svr3:
    sgx: {hostname: a, mr_enclave: "00", raft: {min_voting: 3, max_voting: 1}}
    nitro: {hostname: b, mr_enclave: n}
`},
		{name: "invalid kdf", yaml: `
test:
  kdf: {time: 0, memory_kib: 64, threads: 1}
  svr3:
    sgx: {hostname: a, mr_enclave: "00"}
    nitro: {hostname: b, mr_enclave: n}
`},
		{name: "not yaml", yaml: "test: [unclosed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), "test")
			assert.Error(t, err)
		})
	}

	e, err := Parse([]byte(`
test:
  svr3:
    sgx: {hostname: a, mr_enclave: "zz"}
    nitro: {hostname: b, mr_enclave: n}
`), "test")
	require.NoError(t, err)
	_, err = e.SgxConnection()
	assert.Error(t, err, "identity must be hex")
}

func TestLoadFile_AgainstLocalReplicas(t *testing.T) {
	local, err := enclavetest.NewSvr3(quietLog)
	require.NoError(t, err)
	defer local.Close()

	route := local.Server.Route()
	config := fmt.Sprintf(`
itest:
  connect_timeout: 5s
  kdf: {time: 1, memory_kib: 64, threads: 1}
  svr3:
    sgx:
      mr_enclave: "%x"
      hostname: %s
      port: %d
      verifier: dev
      raft: {min_voting: 3, max_voting: 5, super_majority: 2, group_id: 7}
    nitro:
      mr_enclave: "%s"
      hostname: %s
      port: %d
      verifier: dev
`, enclavetest.SgxIdentity.Bytes(), route.Host, route.Port, enclavetest.NitroIdentity.Bytes(), route.Host, route.Port)

	path := filepath.Join(t.TempDir(), "env.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0o600))

	e, err := LoadFile(path, "itest")
	require.NoError(t, err)

	client, err := e.Client(ClientConfig{
		Connector:   transport.NewWebSocketConnector(quietLog),
		SgxSecret:   local.SgxSecret,
		NitroSecret: local.NitroSecret,
		Options:     []connmgr.Option{connmgr.WithLogger(quietLog)},
	})
	require.NoError(t, err)
	client.Log = quietLog

	ctx := context.Background()
	uid := interfaces.UserID{0xee}
	shareSet, err := client.Backup(ctx, uid, []byte("p"), []byte("from a config file"), 2)
	require.NoError(t, err)
	assert.Equal(t, e.KDF, shareSet.KDF)

	secret, err := client.Restore(ctx, uid, []byte("p"), shareSet)
	require.NoError(t, err)
	assert.Equal(t, []byte("from a config file"), secret)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), "itest")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pc,
		NotifyStartedFunc: func() { close(started) },
		Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
			m := new(dns.Msg)
			m.SetReply(r)
			hdr := dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60}
			m.Answer = []dns.RR{
				&dns.SRV{Hdr: hdr, Priority: 20, Weight: 1, Port: 443, Target: "198.51.100.30."},
				&dns.SRV{Hdr: hdr, Priority: 10, Weight: 1, Port: 443, Target: "198.51.100.20."},
				&dns.SRV{Hdr: hdr, Priority: 10, Weight: 1, Port: 443, Target: "198.51.100.10."},
			}
			w.WriteMsg(m)
		}),
	}
	go server.ActivateAndServe()
	<-started
	defer server.Shutdown()

	e, err := Load("staging")
	require.NoError(t, err)
	e.Svr3.Sgx.SRV = "_svr3._tcp.staging.example.org"
	e.Svr3.Nitro.SRV = "_svr3._tcp.staging.example.org"

	require.NoError(t, e.Resolve(context.Background(), serviceresolver.New(pc.LocalAddr().String())))
	assert.Equal(t, []string{"198.51.100.20", "198.51.100.10", "198.51.100.30"}, e.Svr3.Nitro.IPFallbacks)
	// Already configured fallbacks are not duplicated
	assert.Equal(t, []string{"198.51.100.10", "198.51.100.11", "198.51.100.20", "198.51.100.30"}, e.Svr3.Sgx.IPFallbacks)

	nitro, err := e.NitroConnection()
	require.NoError(t, err)
	assert.Len(t, nitro.Manager.Routes(), 4)
}
