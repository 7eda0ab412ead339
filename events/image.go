package events

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/julienschmidt/httprouter"
	log "github.com/sirupsen/logrus"

	"haven/ledger"
	"haven/utils"
)

const (
	maxImageBytes = 10 << 20
	maxImageWidth = 1600
	thumbWidth    = 300
)

func (h *Handler) imagePaths(eventID string) (original, thumb string) {
	name := utils.SanitizeFilename(eventID) + ".jpg"
	return filepath.Join(h.UploadDir, "events", name), filepath.Join(h.UploadDir, "events", "thumb", name)
}

// saveImage decodes an uploaded picture, stores a web-sized copy and a
// thumbnail as JPEG, and returns the public URL of the copy.
func (h *Handler) saveImage(eventID string, src io.Reader) (string, error) {
	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}
	original, thumb := h.imagePaths(eventID)
	if err := utils.EnsureDir(filepath.Dir(thumb)); err != nil {
		return "", fmt.Errorf("create upload directory: %w", err)
	}
	if img.Bounds().Dx() > maxImageWidth {
		img = imaging.Resize(img, maxImageWidth, 0, imaging.Lanczos)
	}
	if err := imaging.Save(img, original, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("save image: %w", err)
	}
	if err := imaging.Save(imaging.Resize(img, thumbWidth, 0, imaging.Lanczos), thumb); err != nil {
		return "", fmt.Errorf("save thumbnail: %w", err)
	}
	prefix := strings.TrimRight(h.PublicPrefix, "/")
	return prefix + "/" + filepath.Base(original), nil
}

func (h *Handler) removeImages(eventID string) {
	if h.UploadDir == "" {
		return
	}
	original, thumb := h.imagePaths(eventID)
	for _, p := range []string{original, thumb} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", p).Warn("remove event image")
		}
	}
}

// UploadImage serves POST /api/admin/events/:id/image with a multipart
// "image" field.
func (h *Handler) UploadImage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ev, ok := h.loadEvent(w, r, ps.ByName("id"))
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Unable to parse form", utils.CodeValidation)
		return
	}
	file, _, err := r.FormFile("image")
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Missing image file", utils.CodeValidation)
		return
	}
	defer file.Close()

	head := make([]byte, 512)
	n, _ := io.ReadFull(file, head)
	if !strings.HasPrefix(http.DetectContentType(head[:n]), "image/") {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid file type", utils.CodeValidation)
		return
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Error reading file", utils.CodeInternal)
		return
	}

	url, err := h.saveImage(ev.ID, file)
	if err != nil {
		log.WithError(err).WithField("event", ev.ID).Warn("event image rejected")
		utils.RespondWithError(w, http.StatusBadRequest, "Image could not be processed", utils.CodeValidation)
		return
	}
	if err := h.Store.UpdateEvent(r.Context(), ev.ID, ledger.Patch{"image_url": url}); err != nil {
		log.WithError(err).WithField("event", ev.ID).Error("record event image")
		utils.RespondWithError(w, http.StatusInternalServerError, "Could not update event", utils.CodeInternal)
		return
	}
	utils.RespondOK(w, utils.M{"image_url": url})
}
