package export

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/groupcord/backend/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

type fakeMessages struct {
	messages []model.Message
	err      error
}

func (f *fakeMessages) MessagesByRoom(context.Context, int) ([]model.Message, error) {
	return f.messages, f.err
}

type fakeExports struct {
	records map[string]*model.ExportRecord
}

func (f *fakeExports) SaveExport(_ context.Context, record *model.ExportRecord) error {
	if f.records == nil {
		f.records = make(map[string]*model.ExportRecord)
	}
	f.records[record.Username+"/"+record.FileName] = record
	return nil
}

func (f *fakeExports) ExportByUsernameAndFile(_ context.Context, username, fileName string) (*model.ExportRecord, error) {
	record, ok := f.records[username+"/"+fileName]
	if !ok {
		return nil, ErrTampered
	}
	return record, nil
}

func (f *fakeExports) ExportsByUsername(_ context.Context, username string) ([]model.ExportRecord, error) {
	var out []model.ExportRecord
	for _, record := range f.records {
		if record.Username == username {
			out = append(out, *record)
		}
	}
	return out, nil
}

func newTestExporter(t *testing.T, messages *fakeMessages, exports *fakeExports) *Exporter {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	logger := zerolog.Nop()
	return NewExporter(Config{
		Messages: messages,
		Exports:  exports,
		Key:      key,
		Logger:   &logger,
	})
}

func testMessages() []model.Message {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	return []model.Message{
		{ID: 1, RoomID: 5, Username: "alice", Body: "hi", Type: model.ChatTypeText, Time: ts},
		{ID: 2, RoomID: 5, Username: "bob", Body: "hello", Type: model.ChatTypeText, Time: ts.Add(time.Minute)},
	}
}

func TestExporter_ExportRoomHistory(t *testing.T) {
	e := newTestExporter(t, &fakeMessages{messages: testMessages()}, &fakeExports{})

	workbook, err := e.ExportRoomHistory(context.Background(), 5)
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(workbook))
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()

	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, []string{"Type", "Username", "Time", "Message"}, rows[0])
	assert.Equal(t, []string{"TEXT", "alice", "2024-03-01 12:30:00", "hi"}, rows[1])
	assert.Equal(t, []string{"TEXT", "bob", "2024-03-01 12:31:00", "hello"}, rows[2])
}

func TestExporter_SignedExportRoundtrip(t *testing.T) {
	exports := &fakeExports{}
	e := newTestExporter(t, &fakeMessages{messages: testMessages()}, exports)
	ctx := context.Background()

	record, err := e.CreateSignedExport(ctx, 5, "alice", "history.xlsx")
	require.NoError(t, err)
	assert.NotEmpty(t, record.Data)
	assert.NotEmpty(t, record.Signature)
	assert.Contains(t, record.PublicKey, "PUBLIC KEY")

	workbook, err := e.FetchVerifiedExport(ctx, "alice", "history.xlsx")
	require.NoError(t, err)

	f, err := excelize.OpenReader(bytes.NewReader(workbook))
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()
	rows, err := f.GetRows(sheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestExporter_TamperedExportRejected(t *testing.T) {
	exports := &fakeExports{}
	e := newTestExporter(t, &fakeMessages{messages: testMessages()}, exports)
	ctx := context.Background()

	_, err := e.CreateSignedExport(ctx, 5, "alice", "history.xlsx")
	require.NoError(t, err)

	// xlsx payloads are zip archives, so the base64 always starts with "UEs"
	record := exports.records["alice/history.xlsx"]
	record.Data = "x" + record.Data[1:]

	_, err = e.FetchVerifiedExport(ctx, "alice", "history.xlsx")
	assert.ErrorIs(t, err, ErrTampered)
}

func TestExporter_ListExports(t *testing.T) {
	exports := &fakeExports{}
	e := newTestExporter(t, &fakeMessages{messages: nil}, exports)
	ctx := context.Background()

	_, err := e.CreateSignedExport(ctx, 5, "alice", "a.xlsx")
	require.NoError(t, err)
	_, err = e.CreateSignedExport(ctx, 6, "alice", "b.xlsx")
	require.NoError(t, err)

	records, err := e.ListExports(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}
