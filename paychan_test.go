package paychan

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/paychan/clients"
	"github.com/vitwit/paychan/metrics"
	"github.com/vitwit/paychan/types"
	"github.com/vitwit/paychan/verification"
)

func TestNewRejectsInvalidConfig(t *testing.T) {
	host := clients.NewMemoryLedger()

	_, err := New(nil, host)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = New(&types.Config{}, host)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = New(&types.Config{CloseDuration: time.Minute, Scheme: "rsa"}, host)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = New(&types.Config{CloseDuration: time.Minute}, nil)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestNewSelectsScheme(t *testing.T) {
	host := clients.NewMemoryLedger()

	p, err := New(&types.Config{CloseDuration: time.Minute}, host)
	require.NoError(t, err)
	assert.Equal(t, types.SchemeEthereum, p.Scheme().Name())

	p, err = New(&types.Config{CloseDuration: time.Minute, Scheme: types.SchemeSubstrate, LogLevel: "warn"}, host)
	require.NoError(t, err)
	assert.Equal(t, types.SchemeSubstrate, p.Scheme().Name())
	_ = p.Close()
}

func TestPayChanLifecycle(t *testing.T) {
	for _, scheme := range []types.SchemeName{types.SchemeEthereum, types.SchemeSubstrate} {
		t.Run(string(scheme), func(t *testing.T) {
			ctx := context.Background()
			host := clients.NewMemoryLedger()
			clock := clients.NewManualClock(time.Unix(1_700_000_000, 0))
			reg := prometheus.NewRegistry()
			rec, err := metrics.NewPrometheusRecorder(reg)
			require.NoError(t, err)

			var events []types.Event
			p, err := New(&types.Config{CloseDuration: time.Hour, Scheme: scheme}, host,
				WithClock(clock),
				WithMetrics(rec),
				WithTimeout(time.Second),
				WithEventHandler(func(ev types.Event) { events = append(events, ev) }),
			)
			require.NoError(t, err)

			key, err := crypto.GenerateKey()
			require.NoError(t, err)
			signer := p.Signer(key)
			sender := signer.Identity()
			var recipient types.AccountID
			recipient[31] = 0x77
			host.Mint(sender, big.NewInt(1000))

			ch, err := p.Open(ctx, sender, recipient, 0, big.NewInt(100))
			require.NoError(t, err)
			assert.Equal(t, time.Hour, ch.CloseDuration())
			bal, err := ch.Balance(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(100), bal.Int64())

			got, err := p.Get(ch.ID())
			require.NoError(t, err)
			assert.Same(t, ch, got)

			// The recipient collects vouchers and redeems the best one.
			book := p.VoucherBook()
			book.Track(ch.ID(), sender)
			for _, amount := range []int64{10, 25, 40} {
				v, err := signer.Sign(ch.ID(), big.NewInt(amount))
				require.NoError(t, err)
				require.NoError(t, book.Accept(v))
			}
			best, ok := book.Best(ch.ID())
			require.True(t, ok)

			require.NoError(t, ch.StartUnilateralClose(ctx, sender))
			require.Len(t, events, 1)
			assert.Equal(t, "SenderCloseStarted", events[0].EventName())

			require.NoError(t, ch.CooperativeClose(ctx, recipient, best.Amount, best.Signature))

			recvBal, err := host.Balance(ctx, recipient)
			require.NoError(t, err)
			assert.Equal(t, int64(40), recvBal.Int64())
			senderBal, err := host.Balance(ctx, sender)
			require.NoError(t, err)
			assert.Equal(t, int64(960), senderBal.Int64())

			assert.Equal(t, 1, p.Prune())
			_, err = p.Get(ch.ID())
			assert.ErrorIs(t, err, types.ErrChannelNotFound)

			assert.Equal(t, float64(3), testutil.ToFloat64(rec.Counter(metrics.OperationTotal, "create", metrics.OutcomeSuccess))+
				testutil.ToFloat64(rec.Counter(metrics.OperationTotal, "start_unilateral_close", metrics.OutcomeSuccess))+
				testutil.ToFloat64(rec.Counter(metrics.OperationTotal, "cooperative_close", metrics.OutcomeSuccess)))
		})
	}
}

func TestOpenFailsWithoutFunds(t *testing.T) {
	host := clients.NewMemoryLedger()
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewPrometheusRecorder(reg)
	require.NoError(t, err)
	p, err := New(&types.Config{CloseDuration: time.Minute}, host, WithMetrics(rec))
	require.NoError(t, err)

	var sender, recipient types.AccountID
	sender[31], recipient[31] = 1, 2

	_, err = p.Open(context.Background(), sender, recipient, 0, big.NewInt(5))
	assert.ErrorIs(t, err, types.ErrTransferFailed)
	assert.Empty(t, p.Channels())
	// An unfunded channel was never created.
	assert.Zero(t, testutil.ToFloat64(rec.Counter(metrics.OperationTotal, "create", metrics.OutcomeSuccess)))

	_, err = p.Open(context.Background(), sender, sender, 0, nil)
	assert.ErrorIs(t, err, types.ErrInvalidConfig)

	_, err = p.Open(context.Background(), sender, recipient, 0, big.NewInt(-1))
	assert.ErrorIs(t, err, types.ErrInvalidConfig)
}

func TestChannelsAreOrdered(t *testing.T) {
	host := clients.NewMemoryLedger()
	p, err := New(&types.Config{CloseDuration: time.Minute}, host)
	require.NoError(t, err)

	var sender, recipient types.AccountID
	sender[31], recipient[31] = 1, 2
	for i := 0; i < 3; i++ {
		_, err := p.Open(context.Background(), sender, recipient, 0, nil)
		require.NoError(t, err)
	}

	chans := p.Channels()
	require.Len(t, chans, 3)
	for i := 1; i < len(chans); i++ {
		a, b := chans[i-1].ID(), chans[i].ID()
		assert.Less(t, string(a[:]), string(b[:]))
	}
}

func TestWithVerifierSetsSignerScheme(t *testing.T) {
	v := verification.NewSignatureVerifier(verification.SubstrateScheme{})
	p, err := New(&types.Config{CloseDuration: time.Minute}, clients.NewMemoryLedger(), WithVerifier(v))
	require.NoError(t, err)
	assert.Same(t, v, p.Verifier())
	assert.Equal(t, types.SchemeSubstrate, p.Scheme().Name())

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := p.Signer(key)
	var id types.AccountID
	id[0], id[31] = 0xff, 1
	voucher, err := signer.Sign(id, big.NewInt(9))
	require.NoError(t, err)
	assert.True(t, verification.Authorizes(p.Verifier(), id, voucher.Amount, voucher.Signature, signer.Identity()))
}

func TestGetVersion(t *testing.T) {
	v := GetVersion()
	assert.Equal(t, Version, v["library_version"])
	assert.Equal(t, ProtocolVersion, v["protocol_version"])
}
