package server

import (
	"io"

	"github.com/gin-gonic/gin"
)

const maxUploadSize = 10 * 1024 * 1024

func (s *Server) uploadFile(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, "no file uploaded")
		return
	}
	defer file.Close()

	if header.Size > maxUploadSize {
		badRequest(c, "file too large (max 10MB)")
		return
	}

	data, err := io.ReadAll(io.LimitReader(file, maxUploadSize))
	if err != nil {
		internalError(c, "failed to read file")
		return
	}

	url, err := s.blobs.Upload(c.Request.Context(), header.Filename, data)
	if err != nil {
		internalError(c, "failed to save file")
		return
	}

	ok(c, gin.H{
		"url":  url,
		"name": header.Filename,
		"size": header.Size,
	})
}

func (s *Server) serveFile(c *gin.Context) {
	path, err := s.blobs.Path(c.Param("filename"))
	if err != nil {
		badRequest(c, "invalid filename")
		return
	}
	c.File(path)
}
