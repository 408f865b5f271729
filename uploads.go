package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"bitbucket.org/mmdatafocus/fleet_backend/config"
	"bitbucket.org/mmdatafocus/fleet_backend/utils"
	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxUploadSizeBytes int64 = 5 * 1024 * 1024

var odometerPhotoMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// uploadOdometerPhotoHandler stores an odometer photo in GCS and generates a
// thumbnail next to it. The returned key goes on the fuel-up (photo_key) so
// back-office review can verify the OCR odometer reading against the image.
func uploadOdometerPhotoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		logger := config.GetLogger()
		ctx := c.Request.Context()

		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		fileHeader, err := c.FormFile("photo")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "photo file is required"})
			return
		}
		if fileHeader.Size > maxUploadSizeBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 5MB limit"})
			return
		}

		file, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read photo"})
			return
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, maxUploadSizeBytes+1))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "could not read photo"})
			return
		}
		if int64(len(data)) > maxUploadSizeBytes {
			c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 5MB limit"})
			return
		}

		mimeType := http.DetectContentType(data)
		if !odometerPhotoMimeTypes[mimeType] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported image type"})
			return
		}

		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		if ext == "" {
			if mimeType == "image/png" {
				ext = ".png"
			} else {
				ext = ".jpg"
			}
		}
		objectKey := path.Join(businessId, "odometer-photos", uuid.New().String()+ext)

		if err := utils.UploadBytesToGCS(ctx, objectKey, data, mimeType); err != nil {
			config.LogError(logger, "uploads.go", "uploadOdometerPhotoHandler", "UploadBytesToGCS", objectKey, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store photo"})
			return
		}

		// Thumbnail is best-effort: review UIs fall back to the original.
		thumbnailKey, err := createThumbnail(ctx, objectKey, data)
		if err != nil {
			config.LogError(logger, "uploads.go", "uploadOdometerPhotoHandler", "createThumbnail", objectKey, err)
			thumbnailKey = ""
		}

		c.JSON(http.StatusCreated, gin.H{
			"object_key":    objectKey,
			"thumbnail_key": thumbnailKey,
		})
	}
}

// downloadOdometerPhotoHandler streams a stored photo back to the caller. Keys
// are prefixed with the tenant's business id, so cross-tenant reads 404.
func downloadOdometerPhotoHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		businessId, ok := utils.GetBusinessIdFromContext(ctx)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		key := strings.TrimPrefix(c.Param("key"), "/")
		objectKey := path.Join(businessId, "odometer-photos", path.Base(key))

		client, err := utils.GetGCSClient(ctx)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage unavailable"})
			return
		}
		defer client.Close()

		bucket := os.Getenv("GCS_BUCKET")
		if bucket == "" {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "storage not configured"})
			return
		}

		reader, err := client.Bucket(bucket).Object(objectKey).NewReader(ctx)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "photo not found"})
			return
		}
		defer reader.Close()

		c.Header("Content-Type", reader.Attrs.ContentType)
		c.Status(http.StatusOK)
		if _, err := io.Copy(c.Writer, reader); err != nil {
			_ = c.Error(err)
		}
	}
}

func createThumbnail(ctx context.Context, objectKey string, data []byte) (string, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	thumbnail := imaging.Resize(img, 200, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG); err != nil {
		return "", err
	}

	thumbnailKey := thumbnailObjectKey(objectKey)
	if err := utils.UploadBytesToGCS(ctx, thumbnailKey, buf.Bytes(), "image/jpeg"); err != nil {
		return "", err
	}
	return thumbnailKey, nil
}

func thumbnailObjectKey(objectKey string) string {
	dir := path.Dir(objectKey)
	filename := path.Base(objectKey)
	return path.Join(dir, "thumbnails", filename)
}
