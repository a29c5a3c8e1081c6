// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/common/rpc/auditlog"
	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/tierfs/accounting"
	apierrors "github.com/cubefs/tierfs/errors"
	"github.com/cubefs/tierfs/metrics"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server
	auditLog   auditlog.LogCloser

	*Server
}

type (
	SyncArgs struct {
		Ino uint64 `json:"ino"`
	}
	PageOutRet struct {
		Freed int64 `json:"freed"`
	}
	StatsRet struct {
		accounting.Snapshot
		DirectoryUsed uint64 `json:"directory_used"`
	}
)

func NewHttpServer(server *Server) *HttpServer {
	return &HttpServer{Server: server}
}

func (h *HttpServer) Serve(addr string) error {
	ph := profile.NewProfileHandler(addr)
	logHandler, logCloser, err := auditlog.Open("tierfs", &h.cfg.AuditLog)
	if err != nil {
		return err
	}
	h.auditLog = logCloser

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), logHandler, ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
	return nil
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	if h.httpServer != nil {
		h.httpServer.Shutdown(ctx)
	}
	if h.auditLog != nil {
		h.auditLog.Close()
	}
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.GET("/stats", h.GetStats)
	rpc.POST("/sync", h.Sync, rpc.OptArgsQuery())
	rpc.POST("/pageout", h.RunPageOut)

	metricsHandler := promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})
	rpc.GET("/metrics", func(c *rpc.Context) {
		metricsHandler.ServeHTTP(c.Writer, c.Request)
	})
	return rpc.DefaultRouter
}

func (h *HttpServer) GetStats(c *rpc.Context) {
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "")
	used, err := h.DirectoryUsage(ctx)
	if err != nil {
		span.Warnf("stat inode directory failed: %s", err)
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(StatsRet{Snapshot: h.Server.Stats(), DirectoryUsed: used})
}

func (h *HttpServer) Sync(c *rpc.Context) {
	args := new(SyncArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(rpc.NewError(http.StatusBadRequest, "BadArgs", err))
		return
	}
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "")
	if err := h.SyncInode(ctx, args.Ino); err != nil {
		span.Warnf("sync inode %d failed: %s", args.Ino, err)
		c.RespondError(httpError(err))
		return
	}
	c.Respond()
}

func (h *HttpServer) RunPageOut(c *rpc.Context) {
	span, ctx := trace.StartSpanFromContext(c.Request.Context(), "")
	freed, err := h.PageOut(ctx)
	if err != nil {
		span.Warnf("page out failed: %s", err)
		c.RespondError(httpError(err))
		return
	}
	c.RespondJSON(PageOutRet{Freed: freed})
}

func httpError(err error) error {
	switch err {
	case apierrors.ErrNotFound:
		return rpc.NewError(http.StatusNotFound, "NotFound", err)
	case apierrors.ErrUploadRunning:
		return rpc.NewError(http.StatusConflict, "Conflict", err)
	case apierrors.ErrBackendNotReady, apierrors.ErrShuttingDown:
		return rpc.NewError(http.StatusServiceUnavailable, "Unavailable", err)
	default:
		return rpc.NewError(http.StatusInternalServerError, "Internal", err)
	}
}
