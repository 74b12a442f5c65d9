package node

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

// Registry lists nodes registered with an external directory.
type Registry interface {
	Nodes(ctx context.Context) (map[string]string, error)
}

// Handler returns the HTTP API of the node. reg may be nil.
func (n *Node) Handler(reg Registry) http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), telemetry.Instrument())

	r.GET("/healthz", n.healthz)
	r.GET("/info", n.info)
	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	r.GET("/membership", n.membership)
	r.POST("/membership/join", n.join)
	r.POST("/membership/leave", n.leave)

	r.GET("/kv/:key", n.get)
	r.PUT("/kv/:key", n.put)
	r.POST("/kv/:key", n.put)
	r.DELETE("/kv/:key", n.del)
	r.GET("/cluster/owners/:key", n.owners)

	if reg != nil {
		r.GET("/cluster/registry", func(c *gin.Context) {
			nodes, err := reg.Nodes(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"nodes": nodes})
		})
	}
	return r
}

// healthz returns 200 OK to indicate the Node is alive.
func (n *Node) healthz(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

// info writes the process ID, current time and local item count.
func (n *Node) info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"pid":   os.Getpid(),
		"now":   time.Now(),
		"items": n.kv.Len(),
		"self":  n.self.String(),
	})
}

func (n *Node) membership(c *gin.Context) {
	if n.members == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "membership not attached"})
		return
	}
	view := n.members.View().Members()
	ids := make([]string, 0, len(view))
	for _, id := range view {
		ids = append(ids, id.String())
	}
	c.JSON(http.StatusOK, gin.H{
		"self":    n.self.String(),
		"state":   n.members.State().String(),
		"counter": n.members.Counter(),
		"view":    ids,
	})
}

func (n *Node) join(c *gin.Context) {
	n.transition(c, "join", func(ctx context.Context) error { return n.members.Join(ctx) })
}

func (n *Node) leave(c *gin.Context) {
	n.transition(c, "leave", func(ctx context.Context) error { return n.members.Leave(ctx) })
}

func (n *Node) transition(c *gin.Context, op string, fn func(context.Context) error) {
	if n.members == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "membership not attached"})
		return
	}
	err := fn(c.Request.Context())
	var perr *gossip.ProtocolError
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.As(err, &perr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, gossip.ErrStateTransfer):
		n.logger.Error(op+" failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		n.logger.Error(op+" failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (n *Node) get(c *gin.Context) {
	key := c.Param("key")
	val, ok, err := n.Get(c.Request.Context(), key)
	if err != nil {
		routingFailure(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", []byte(val))
}

func (n *Node) put(c *gin.Context) {
	key := c.Param("key")
	val, err := io.ReadAll(io.LimitReader(c.Request.Body, MaxValueSize+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(val) > MaxValueSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "value too large"})
		return
	}
	if err := n.Put(c.Request.Context(), key, string(val)); err != nil {
		routingFailure(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (n *Node) del(c *gin.Context) {
	key := c.Param("key")
	ok, err := n.Delete(c.Request.Context(), key)
	if err != nil {
		routingFailure(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNotFound)
		return
	}
	c.Status(http.StatusNoContent)
}

// owners lists the first n distinct ring members clockwise from the key,
// starting with its owner.
func (n *Node) owners(c *gin.Context) {
	key := c.Param("key")
	count, err := strconv.Atoi(c.DefaultQuery("n", "3"))
	if err != nil || count <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "n must be a positive integer"})
		return
	}
	ids := n.ring.LocateN(key, count)
	if len(ids) == 0 {
		routingFailure(c, &RoutingError{Op: OpGet, Key: key, Err: ErrNoOwner})
		return
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, id.String())
	}
	c.JSON(http.StatusOK, gin.H{"key": key, "owners": out})
}

func routingFailure(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, ErrNoOwner):
		status = http.StatusServiceUnavailable
	case errors.Is(err, ErrTooLarge):
		status = http.StatusRequestEntityTooLarge
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
