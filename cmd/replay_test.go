package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"firestige.xyz/xpass/internal/clock"
	"firestige.xyz/xpass/internal/config"
	"firestige.xyz/xpass/internal/core"
	"firestige.xyz/xpass/internal/core/wire"
	"firestige.xyz/xpass/internal/pipeline"
	sourcepcap "firestige.xyz/xpass/internal/source/pcap"
	"firestige.xyz/xpass/internal/testutil"
)

const testConfig = `xpass:
  log:
    level: warn
  dataplane:
    workers: 2
    flow_table_capacity: 64
    local_prefixes: ["10.0.0.1/32"]
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func writeTrace(t *testing.T, path string, frames ...[]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriterNanos(f)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for _, data := range frames {
		ts = ts.Add(10 * time.Microsecond)
		require.NoError(t, w.WritePacket(gopacket.CaptureInfo{
			Timestamp:     ts,
			CaptureLength: len(data),
			Length:        len(data),
		}, data))
	}
}

func countFrames(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	n := 0
	for {
		if _, _, err := r.ReadPacketData(); err != nil {
			return n
		}
		n++
	}
}

func traceFrames() [][]byte {
	out := testutil.Client()
	out.Payload = make([]byte, 3000)

	in := testutil.Client().Reply()
	in.TOS = wire.DSCPData << 2
	in.Payload = make([]byte, wire.ControlHeaderLen+100)

	other := testutil.UDPFrame([]byte("hello"))
	return [][]byte{out.Bytes(), in.Bytes(), other}
}

func TestRunReplay(t *testing.T) {
	for _, mode := range []string{clockCapture, clockMonotonic} {
		t.Run(mode, func(t *testing.T) {
			dir := t.TempDir()
			cfg, err := config.Load(writeFile(t, dir, "xpass.yaml", testConfig))
			require.NoError(t, err)

			opts := replayOptions{
				In:       filepath.Join(dir, "trace.pcap"),
				OutNIC:   filepath.Join(dir, "nic.pcap"),
				OutLocal: filepath.Join(dir, "local.pcap"),
				Clock:    mode,
			}
			writeTrace(t, opts.In, traceFrames()...)

			var buf bytes.Buffer
			require.NoError(t, runReplay(context.Background(), cfg, opts, &buf))

			// three segments of the 3000 byte write plus the local UDP datagram
			assert.Equal(t, 4, countFrames(t, opts.OutNIC))
			assert.Equal(t, 1, countFrames(t, opts.OutLocal))

			var report replayReport
			require.NoError(t, yaml.Unmarshal(buf.Bytes(), &report))
			assert.Equal(t, uint64(3), report.Input.Read)
			assert.Equal(t, uint64(2), report.Dataplane.FromLocal)
			assert.Equal(t, uint64(1), report.Dataplane.FromNetwork)
			assert.Equal(t, uint64(1), report.Dataplane.DrainFlushes+report.Dataplane.TimeoutFlushes)
			assert.Equal(t, uint64(4), report.Output.NIC)
			assert.Equal(t, uint64(1), report.Output.Local)
		})
	}
}

func TestRunReplay_PortFilter(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeFile(t, dir, "xpass.yaml", testConfig+"  replay:\n    ports: [443]\n"))
	require.NoError(t, err)

	opts := replayOptions{
		In:       filepath.Join(dir, "trace.pcap"),
		OutNIC:   filepath.Join(dir, "nic.pcap"),
		OutLocal: filepath.Join(dir, "local.pcap"),
		Clock:    clockCapture,
	}
	writeTrace(t, opts.In, traceFrames()...)

	var buf bytes.Buffer
	require.NoError(t, runReplay(context.Background(), cfg, opts, &buf))
	assert.Equal(t, 1, countFrames(t, opts.OutNIC), "only the UDP frame passes the port filter")
	assert.Equal(t, 0, countFrames(t, opts.OutLocal))
}

func TestRunReplay_EmptyCapture(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load("")
	require.NoError(t, err)

	opts := replayOptions{
		In:       filepath.Join(dir, "trace.pcap"),
		OutNIC:   filepath.Join(dir, "nic.pcap"),
		OutLocal: filepath.Join(dir, "local.pcap"),
		Clock:    clockCapture,
	}
	writeTrace(t, opts.In)

	var buf bytes.Buffer
	require.NoError(t, runReplay(context.Background(), cfg, opts, &buf))
	assert.Equal(t, 0, countFrames(t, opts.OutNIC))
	assert.Contains(t, buf.String(), "read: 0")
}

func TestRunReplay_Errors(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	err = runReplay(context.Background(), cfg, replayOptions{Clock: "wall"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, core.ErrConfigInvalid)

	dir := t.TempDir()
	err = runReplay(context.Background(), cfg, replayOptions{
		In:    filepath.Join(dir, "missing.pcap"),
		Clock: clockCapture,
	}, &bytes.Buffer{})
	assert.Error(t, err)
}

func TestReplayMonotonic_FreesFramesOnDispatchError(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(writeFile(t, dir, "xpass.yaml", testConfig))
	require.NoError(t, err)

	path := filepath.Join(dir, "trace.pcap")
	frames := traceFrames()
	// local, network, local: three runs in one batch
	writeTrace(t, path, frames[0], frames[1], frames[2])

	alloc := &testutil.CountingAllocator{Allocator: core.NewPool(0, -1)}
	src, err := sourcepcap.Open(path, alloc)
	require.NoError(t, err)
	defer src.Close()

	sink := &testutil.Collector{Alloc: alloc}
	// async pipelines that were never started refuse every batch
	d, err := newDispatcher(cfg.Dataplane, clock.NewManual(1), alloc, sink, sink, true)
	require.NoError(t, err)

	classifier := pipeline.NewClassifier(cfg.Dataplane.LocalNets())
	err = replayMonotonic(context.Background(), src, d, classifier, alloc, 32)
	assert.ErrorIs(t, err, pipeline.ErrStopped)
	assert.Equal(t, 0, alloc.Live)
	assert.Empty(t, sink.Frames)
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	require.NoError(t, runValidate(writeFile(t, dir, "ok.yaml", testConfig), &buf))
	assert.Contains(t, buf.String(), "VALID: 2 worker(s), mtu 1514, 64 flow(s) per worker, 1 local prefix(es)")

	bad := writeFile(t, dir, "bad.yaml", "xpass:\n  dataplane:\n    workers: 0\n")
	assert.ErrorIs(t, runValidate(bad, &buf), core.ErrConfigInvalid)
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	printVersion(&buf)
	assert.Contains(t, buf.String(), "xpass dev")
}
