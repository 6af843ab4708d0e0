package handlers

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"github.com/hebchat/hebchat/internal/extract"
	"github.com/hebchat/hebchat/internal/models"
	"github.com/hebchat/hebchat/internal/services"
)

// MaxFileSize is the upload size cap.
const MaxFileSize = 20 << 20 // 20 MiB

func allowedFileTypes() []string {
	types := slices.Concat(extract.ImageTypes, extract.TextTypes)
	return append(types, extract.TypePDF, extract.TypeDocx, extract.TypeXlsx, extract.TypePptx)
}

// validateFile applies the MIME allowlist and the size cap. Rejection
// messages are user-facing and therefore in Hebrew.
func validateFile(fileType string, size int64) error {
	if !slices.Contains(allowedFileTypes(), fileType) {
		return fmt.Errorf("סוג קובץ לא נתמך: %s", fileType)
	}
	if size > MaxFileSize {
		return errors.New("הקובץ גדול מדי. מקסימום 20MB")
	}
	return nil
}

// HandleUploadFile ingests one multipart file into a conversation: validate
// type and size, write the bytes to the blob store, extract plain text, and
// record the metadata. Extraction failure is not fatal; the file is kept with
// no extracted text.
func (m Main) HandleUploadFile(w http.ResponseWriter, r *http.Request) {
	conv, ok := m.ownedConversation(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, MaxFileSize+1<<20)
	file, header, err := r.FormFile("file")
	if err != nil {
		m.writeError(w, http.StatusBadRequest, "חסרים פרמטרים נדרשים")
		return
	}
	defer file.Close()

	fileType := header.Header.Get("Content-Type")
	if fileType == "" {
		fileType = mime.TypeByExtension(filepath.Ext(header.Filename))
	}

	if err := validateFile(fileType, header.Size); err != nil {
		m.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, MaxFileSize+1))
	if err != nil {
		m.logger.Error("Failed to read upload", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "שגיאה בהעלאת הקובץ")
		return
	}
	if int64(len(data)) > MaxFileSize {
		m.writeError(w, http.StatusBadRequest, "הקובץ גדול מדי. מקסימום 20MB")
		return
	}

	storagePath := services.GenerateStoragePath(conv.UserID, conv.ID, header.Filename)
	if err := m.blobs.Put(storagePath, bytes.NewReader(data)); err != nil {
		m.logger.Error("Failed to store blob",
			slog.String("storagePath", storagePath),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "שגיאה בהעלאת הקובץ")
		return
	}

	extracted, err := extract.Text(fileType, header.Filename, data)
	if err != nil {
		m.logger.Warn("Text extraction failed",
			slog.String("fileName", header.Filename),
			slog.String(errLoggerKey, err.Error()))
		extracted = ""
	}

	record, err := m.store.AddFile(r.Context(), models.ConversationFile{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		FileName:       header.Filename,
		FileType:       fileType,
		FileSize:       int64(len(data)),
		StoragePath:    storagePath,
		ExtractedText:  extracted,
	})
	if err != nil {
		m.logger.Error("Failed to save file metadata", slog.String(errLoggerKey, err.Error()))
		if rmErr := m.blobs.Remove(storagePath); rmErr != nil {
			m.logger.Error("Failed to remove orphan blob", slog.String(errLoggerKey, rmErr.Error()))
		}
		m.writeError(w, http.StatusInternalServerError, "שגיאה בשמירת נתוני הקובץ")
		return
	}

	m.writeJSON(w, http.StatusCreated, record)
}

// HandleListFiles returns the file records of a conversation, newest first.
func (m Main) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	conv, ok := m.ownedConversation(w, r)
	if !ok {
		return
	}

	files, err := m.store.Files(r.Context(), conv.ID)
	if err != nil {
		m.logger.Error("Failed to list files",
			slog.String("conversationID", conv.ID),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to list files")
		return
	}
	if files == nil {
		files = []models.ConversationFile{}
	}
	m.writeJSON(w, http.StatusOK, files)
}

// HandleDeleteFile removes a file's blob and metadata.
func (m Main) HandleDeleteFile(w http.ResponseWriter, r *http.Request) {
	conv, ok := m.ownedConversation(w, r)
	if !ok {
		return
	}

	fileID := r.PathValue("fileID")
	record, err := m.store.File(r.Context(), conv.ID, fileID)
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			m.writeError(w, http.StatusNotFound, "קובץ לא נמצא")
			return
		}
		m.logger.Error("Failed to load file", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "שגיאה במחיקת הקובץ")
		return
	}

	if err := m.blobs.Remove(record.StoragePath); err != nil {
		m.logger.Error("Failed to remove blob",
			slog.String("storagePath", record.StoragePath),
			slog.String(errLoggerKey, err.Error()))
	}

	if err := m.store.DeleteFile(r.Context(), conv.ID, fileID); err != nil {
		m.logger.Error("Failed to delete file metadata", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "שגיאה במחיקת הקובץ")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleFileContent streams the stored bytes of a file back to the caller.
func (m Main) HandleFileContent(w http.ResponseWriter, r *http.Request) {
	conv, ok := m.ownedConversation(w, r)
	if !ok {
		return
	}

	record, err := m.store.File(r.Context(), conv.ID, r.PathValue("fileID"))
	if err != nil {
		if errors.Is(err, services.ErrNotFound) {
			m.writeError(w, http.StatusNotFound, "קובץ לא נמצא")
			return
		}
		m.logger.Error("Failed to load file", slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusInternalServerError, "Failed to load file")
		return
	}

	blob, err := m.blobs.Open(record.StoragePath)
	if err != nil {
		m.logger.Error("Failed to open blob",
			slog.String("storagePath", record.StoragePath),
			slog.String(errLoggerKey, err.Error()))
		m.writeError(w, http.StatusNotFound, "קובץ לא נמצא")
		return
	}
	defer blob.Close()

	w.Header().Set("Content-Type", record.FileType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", record.FileName))
	if _, err := io.Copy(w, blob); err != nil {
		m.logger.Error("Failed to send blob", slog.String(errLoggerKey, err.Error()))
	}
}
