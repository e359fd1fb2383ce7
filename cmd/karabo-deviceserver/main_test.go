package main

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/karabo/broker"
	"github.com/c360/karabo/broker/membroker"
	"github.com/c360/karabo/signalslot"
)

// setEnv replaces every KARABO_* variable, and the unprefixed names
// envconfig falls back to, with vars.
func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for _, n := range []string{
		"BROKER", "BROKER_TOPIC", "LOG_LEVEL", "LOG_FORMAT", "METRICS_PORT",
		"MAX_BUFFERED_MESSAGES", "MAX_QUEUED_PER_PEER",
	} {
		for _, k := range []string{"KARABO_" + n, n} {
			t.Setenv(k, "")
			require.NoError(t, os.Unsetenv(k))
		}
	}
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestRun_ExitCodes(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want int
	}{
		{"version", nil, []string{"-version"}, exitOK},
		{"help", nil, []string{"-h"}, exitOK},
		{"unknown flag", nil, []string{"-colour"}, exitDataErr},
		{"unknown argument", map[string]string{"KARABO_BROKER": "mem://exitcodes"}, []string{"colour=blue"}, exitDataErr},
		{"bad init", map[string]string{"KARABO_BROKER": "mem://exitcodes"}, []string{"init={"}, exitDataErr},
		{"bad environment", map[string]string{"KARABO_LOG_FORMAT": "xml"}, []string{"serverId=srv"}, exitConfig},
		{"unreachable broker", map[string]string{"KARABO_BROKER": "bogus://nowhere"}, []string{"serverId=srv"}, exitConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.env)
			var stdout, stderr bytes.Buffer
			code := run(context.Background(), tt.args, &stdout, &stderr)
			assert.Equal(t, tt.want, code, "stderr: %s", stderr.String())
		})
	}
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitOK, run(context.Background(), []string{"-v"}, &stdout, &stderr))
	assert.Contains(t, stdout.String(), Version)
}

func TestRun_Lifecycle(t *testing.T) {
	const url = "mem://deviceserver-lifecycle"
	setEnv(t, map[string]string{"KARABO_BROKER": url, "KARABO_BROKER_TOPIC": "karabo"})

	reg := broker.NewRegistry()
	require.NoError(t, membroker.Register(reg))
	session, err := broker.Connect(context.Background(), reg, broker.Config{URLs: []string{url}, Topic: "karabo"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	client := signalslot.New(session, signalslot.Config{InstanceID: "observer", PingTimeout: -1})
	require.NoError(t, client.Start(context.Background()))
	t.Cleanup(func() { _ = client.Stop(context.Background()) })

	t.Run("signal", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		var stdout, stderr bytes.Buffer
		done := make(chan int, 1)
		go func() {
			done <- run(ctx, []string{
				"serverId=lifecycleSrv",
				`init={"lifecycleDev": {"classId": "PropertyTest", "integer": 4}}`,
			}, &stdout, &stderr)
		}()

		require.Eventually(t, func() bool {
			topo := client.Topology()
			return topo.Has("lifecycleSrv") && topo.Has("lifecycleDev")
		}, 5*time.Second, 20*time.Millisecond)

		cancel()
		select {
		case code := <-done:
			assert.Equal(t, exitOK, code)
		case <-time.After(10 * time.Second):
			t.Fatal("run did not return after cancel")
		}
		assert.Eventually(t, func() bool { return !client.Topology().Has("lifecycleDev") },
			5*time.Second, 20*time.Millisecond)
	})

	t.Run("slotKillServer", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		done := make(chan int, 1)
		go func() {
			done <- run(context.Background(), []string{"serverId=killedSrv"}, &stdout, &stderr)
		}()
		require.Eventually(t, func() bool { return client.Topology().Has("killedSrv") },
			5*time.Second, 20*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := client.Request(ctx, "killedSrv", "slotKillServer").Wait(ctx)
		require.NoError(t, err)

		select {
		case code := <-done:
			assert.Equal(t, exitOK, code)
		case <-time.After(10 * time.Second):
			t.Fatal("run did not return after slotKillServer")
		}
	})
}
