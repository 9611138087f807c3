package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/wehubfusion/prepender/pkg/client"
	"github.com/wehubfusion/prepender/pkg/config"
	apperrors "github.com/wehubfusion/prepender/pkg/errors"
	"github.com/wehubfusion/prepender/pkg/message"
	"github.com/wehubfusion/prepender/pkg/message/messagetest"
	"github.com/wehubfusion/prepender/pkg/random"
	"github.com/wehubfusion/prepender/pkg/record"
	"github.com/wehubfusion/prepender/pkg/storage"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func isUpperLetters(s string) bool {
	for _, r := range s {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func TestPrependStdin(t *testing.T) {
	out, err := execute(t, "Input Content", "prepend", "--length", "8")
	require.NoError(t, err)
	require.Len(t, out, 8+len("Input Content"))
	assert.True(t, strings.HasSuffix(out, "Input Content"))
	assert.True(t, isUpperLetters(out[:8]), out)
}

func TestPrependDefaultLength(t *testing.T) {
	out, err := execute(t, "x", "prepend")
	require.NoError(t, err)
	assert.Len(t, out, 33)
}

func TestPrependSeedIsReproducible(t *testing.T) {
	first, err := execute(t, "data", "prepend", "-n", "12", "--seed", "42")
	require.NoError(t, err)
	second, err := execute(t, "data", "prepend", "-n", "12", "--seed", "42")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	want, err := random.String(random.NewSeeded(42), 12)
	require.NoError(t, err)
	assert.Equal(t, want+"data", first)
}

func TestPrependExpression(t *testing.T) {
	out, err := execute(t, "body", "prepend", "--length", "${n * 2}", "--attr", "n=3", "--crypto")
	require.NoError(t, err)
	assert.Len(t, out, 6+len("body"))
	assert.True(t, isUpperLetters(out[:6]))

	// An absent attribute resolves to the empty string, which is not a length.
	_, err = execute(t, "body", "prepend", "--length", "${missing}")
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidConfiguration(err))
}

func TestPrependFiles(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in.bin")
	out := filepath.Join(dir, "out.bin")
	content := []byte{0x00, 0x01, 0xfe, 0xff}
	require.NoError(t, os.WriteFile(in, content, 0o600))

	stdout, err := execute(t, "", "prepend", in, "-o", out, "-n", "5")
	require.NoError(t, err)
	assert.Empty(t, stdout)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Len(t, got, 5+len(content))
	assert.Equal(t, content, got[5:])
}

func TestPrependErrors(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		config bool
	}{
		{name: "negative length", args: []string{"prepend", "-n", "-1"}, config: true},
		{name: "non-numeric length", args: []string{"prepend", "-n", "abc"}, config: true},
		{name: "malformed attribute", args: []string{"prepend", "-a", "novalue"}},
		{name: "missing input", args: []string{"prepend", filepath.Join(t.TempDir(), "nope")}},
		{name: "seed and crypto", args: []string{"prepend", "--seed", "1", "--crypto"}},
		{name: "conflicting input", args: []string{"prepend", "a", "--input", "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, "content", tt.args...)
			require.Error(t, err)
			if tt.config {
				assert.True(t, apperrors.IsInvalidConfiguration(err), err.Error())
			}
		})
	}
}

func TestParseAttributes(t *testing.T) {
	attrs, err := parseAttributes([]string{"a=1", " b =x=y", "c="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "x=y", "c": ""}, attrs)

	_, err = parseAttributes([]string{"=1"})
	assert.Error(t, err)
}

func TestProcessorsCommand(t *testing.T) {
	out, err := execute(t, "", "processors")
	require.NoError(t, err)
	assert.Contains(t, out, "prepend-random-string")
	assert.Contains(t, out, "randomStringLength")
	assert.Contains(t, out, "-> success")

	out, err = execute(t, "", "processors", "--json")
	require.NoError(t, err)
	var infos []processorInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "prepend-random-string", infos[0].Type)
	require.Len(t, infos[0].Properties, 1)
	assert.True(t, infos[0].Properties[0].ExpressionLanguage)
	assert.Equal(t, "32", infos[0].Properties[0].DefaultValue)
}

func TestServeConfigError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("bogus: true\n"), 0o600))

	_, err := execute(t, "", "serve", "--config", path)
	require.Error(t, err)
	assert.True(t, apperrors.IsInvalidConfiguration(err))
}

func TestNewBlobStore(t *testing.T) {
	store, err := newBlobStore(config.BlobConfig{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = newBlobStore(config.BlobConfig{Provider: config.BlobProviderMemory, Container: "c"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStore{}, store)

	store, err = newBlobStore(config.BlobConfig{
		Provider:         config.BlobProviderAzure,
		ConnectionString: "UseDevelopmentStorage=true",
		Container:        "c",
	}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &storage.AzureBlobClient{}, store)

	_, err = newBlobStore(config.BlobConfig{Provider: "ftp"}, zap.NewNop())
	assert.Error(t, err)
}

func TestServeProcessesRecords(t *testing.T) {
	cfg := config.Default()
	cfg.Runner.Stream = "records"
	cfg.Runner.Subjects = []string{"records.in"}
	cfg.Runner.NumWorkers = 1
	cfg.Runner.PollInterval = time.Millisecond
	cfg.Processor.Properties = map[string]string{"randomStringLength": "${len}"}
	cfg.Blob.Provider = config.BlobProviderMemory
	require.NoError(t, cfg.Validate())

	js := messagetest.NewMockJS()
	js.FetchWait = time.Millisecond
	connect := func(ctx context.Context) (*client.Client, error) {
		c, err := client.NewClientWithJSContext(js, cfg.ConnectionConfig())
		if err != nil {
			return nil, err
		}
		msg := message.FromRecord(record.New([]byte("payload"), map[string]string{"len": "4"}))
		if err := c.Messages.Publish(ctx, "records.in", msg); err != nil {
			return nil, err
		}
		return c, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, zap.NewNop(), connect) }()

	require.Eventually(t, func() bool { return js.AckCount() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}

	published := js.Published(cfg.NATS.ResultSubject + ".success")
	require.Len(t, published, 1)
	res, err := message.ResultMessageFromBytes(published[0].Data)
	require.NoError(t, err)
	assert.Len(t, res.Content, 4+len("payload"))
	assert.True(t, bytes.HasSuffix(res.Content, []byte("payload")))
}

func TestServeUnknownProcessor(t *testing.T) {
	cfg := config.Default()
	cfg.Processor.Type = "missing"
	err := serve(context.Background(), cfg, zap.NewNop(), func(context.Context) (*client.Client, error) {
		t.Fatal("connect must not be called")
		return nil, nil
	})
	require.Error(t, err)
}
