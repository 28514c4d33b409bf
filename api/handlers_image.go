package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	internalS3 "artlot/adapters/s3"
	"artlot/models"
)

// Upload an image
// (POST /image)
func (impl *ServerImpl) PostImage(c *gin.Context) {
	const op = "PostImage"
	userID, ok := impl.currentUserID(c)
	if !ok {
		return
	}
	var uploadedCount int64
	if result := impl.db.Model(&models.Image{}).Where("uploader_id = ? AND created_at > ?", userID, time.Now().Add(-1*time.Hour)).Count(&uploadedCount); result.Error != nil {
		slog.Error("Fail to count uploaded images", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	if impl.config.S3.RateLimitPerHour > 0 && uploadedCount >= impl.config.S3.RateLimitPerHour {
		c.AbortWithStatus(http.StatusTooManyRequests)
		return
	}
	// Uploads are capped at 5MB and limited to image MIME types that
	// cannot carry scripts.
	body := internalS3.NewMaxSizeReader(c.Request.Body, 5<<20)
	file, err := io.ReadAll(body)
	if errors.As(err, &internalS3.ErrReachLimitType) {
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
		return
	}
	if err != nil {
		slog.Error("Fail to read image", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	mimeType := http.DetectContentType(file)
	secure, ext := internalS3.CheckSecureImageAndGetExtension(mimeType)
	if !secure {
		c.JSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("Invalid image type: %s", mimeType)})
		return
	}
	url, err := impl.s3Operator.UploadFileToS3(c.Request.Context(), uuid.New().String()+"."+ext, mimeType, file)
	if err != nil {
		slog.Error("Fail to upload image", slog.String("op", op), slog.Any("error", err))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	image := models.Image{
		UploaderID: userID,
		Url:        url,
	}
	if result := impl.db.Create(&image); result.Error != nil {
		slog.Error("Fail to create image", slog.String("op", op), slog.Any("error", result.Error))
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Header("Location", url)
	c.Status(http.StatusCreated)
}
