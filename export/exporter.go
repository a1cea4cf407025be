package export

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/groupcord/backend/model"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	sheetName  = "Chat History"
	timeLayout = "2006-01-02 15:04:05"
)

var (
	ErrTampered = errors.New("archive may have been tampered with or corrupted")
)

type (
	MessageStore interface {
		MessagesByRoom(ctx context.Context, roomID int) ([]model.Message, error)
	}

	ExportStore interface {
		SaveExport(ctx context.Context, record *model.ExportRecord) error
		ExportByUsernameAndFile(ctx context.Context, username, fileName string) (*model.ExportRecord, error)
		ExportsByUsername(ctx context.Context, username string) ([]model.ExportRecord, error)
	}

	Config struct {
		Messages MessageStore
		Exports  ExportStore
		Key      *rsa.PrivateKey
		Logger   *zerolog.Logger
	}

	// Exporter turns a room's history into an xlsx workbook and can keep
	// RSA-signed copies whose integrity is verified on retrieval.
	Exporter struct {
		messages MessageStore
		exports  ExportStore
		key      *rsa.PrivateKey
		logger   zerolog.Logger
	}
)

func NewExporter(cfg Config) *Exporter {
	return &Exporter{
		messages: cfg.Messages,
		exports:  cfg.Exports,
		key:      cfg.Key,
		logger:   cfg.Logger.With().Str("component", "export").Logger(),
	}
}

// ExportRoomHistory renders the room's messages into an xlsx workbook.
func (e *Exporter) ExportRoomHistory(ctx context.Context, roomID int) ([]byte, error) {
	messages, err := e.messages.MessagesByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()
	if err = f.SetSheetName(f.GetSheetName(0), sheetName); err != nil {
		return nil, fmt.Errorf("failed to name sheet: %w", err)
	}

	headers := []string{"Type", "Username", "Time", "Message"}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err = f.SetCellValue(sheetName, cell, header); err != nil {
			return nil, fmt.Errorf("failed to write header: %w", err)
		}
	}
	for row, msg := range messages {
		values := []string{
			string(msg.Type),
			msg.Username,
			msg.Time.Format(timeLayout),
			msg.Body,
		}
		for col, value := range values {
			cell, _ := excelize.CoordinatesToCellName(col+1, row+2)
			if err = f.SetCellValue(sheetName, cell, value); err != nil {
				return nil, fmt.Errorf("failed to write row: %w", err)
			}
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize workbook: %w", err)
	}
	e.logger.Info().Int("roomID", roomID).Int("messages", len(messages)).Msg("chat history exported")
	return buf.Bytes(), nil
}

// CreateSignedExport generates the workbook, signs its base64 encoding and
// stores the record under (username, fileName).
func (e *Exporter) CreateSignedExport(ctx context.Context, roomID int, username, fileName string) (*model.ExportRecord, error) {
	workbook, err := e.ExportRoomHistory(ctx, roomID)
	if err != nil {
		return nil, err
	}

	data := base64.StdEncoding.EncodeToString(workbook)
	digest := sha256.Sum256([]byte(data))
	signature, err := rsa.SignPKCS1v15(rand.Reader, e.key, crypto.SHA256, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign archive: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&e.key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	record := &model.ExportRecord{
		Username: username,
		FileName: fileName,
		Data:     data,
		PublicKey: string(pem.EncodeToMemory(&pem.Block{
			Type:  "PUBLIC KEY",
			Bytes: pubDER,
		})),
		Signature: base64.StdEncoding.EncodeToString(signature),
	}
	if err = e.exports.SaveExport(ctx, record); err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("username", username).
		Str("fileName", fileName).
		Msg("signed export stored")
	return record, nil
}

// FetchVerifiedExport loads a stored archive, verifies its signature
// against the stored public key and returns the decoded workbook bytes.
func (e *Exporter) FetchVerifiedExport(ctx context.Context, username, fileName string) ([]byte, error) {
	record, err := e.exports.ExportByUsernameAndFile(ctx, username, fileName)
	if err != nil {
		return nil, err
	}
	if err = verify(record); err != nil {
		e.logger.Error().
			Str("username", username).
			Str("fileName", fileName).
			Msg("export signature verification failed")
		return nil, err
	}
	return base64.StdEncoding.DecodeString(record.Data)
}

// ListExports returns the stored archive records for a user.
func (e *Exporter) ListExports(ctx context.Context, username string) ([]model.ExportRecord, error) {
	return e.exports.ExportsByUsername(ctx, username)
}

func verify(record *model.ExportRecord) error {
	block, _ := pem.Decode([]byte(record.PublicKey))
	if block == nil {
		return ErrTampered
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return ErrTampered
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return ErrTampered
	}
	signature, err := base64.StdEncoding.DecodeString(record.Signature)
	if err != nil {
		return ErrTampered
	}
	digest := sha256.Sum256([]byte(record.Data))
	if rsa.VerifyPKCS1v15(rsaPub, crypto.SHA256, digest[:], signature) != nil {
		return ErrTampered
	}
	return nil
}
