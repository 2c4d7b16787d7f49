package dashboard

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/voxpool/chorus/internal/call"
	"github.com/voxpool/chorus/internal/models"
	"github.com/voxpool/chorus/internal/registry"
	"gorm.io/gorm"
)

// newRouter builds the API routes. Split from Start so tests can drive the
// handlers without a listener.
func newRouter(opts StartOpts) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", handleHealthz(opts.Registry, opts.Calls))
	router.GET("/api/assistants", handleAssistants(opts.Registry))
	router.GET("/api/sessions", handleSessions(opts.Calls))
	router.GET("/api/groups/:id/queue", handleGroupQueue(opts.Calls))
	router.GET("/api/notices", handleNotices(opts.DB))

	return router
}

// assistantView is the public shape of one assistant. Session blobs never
// leave the database.
type assistantView struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"display_name"`
	IsActive     bool      `json:"is_active"`
	Health       string    `json:"health"`
	OpenCalls    int       `json:"open_calls"`
	LastUsedAt   time.Time `json:"last_used_at"`
	LastHealthOK time.Time `json:"last_health_ok"`
	CooldownTill time.Time `json:"cooldown_till"`
}

type sessionView struct {
	GroupID     string    `json:"group_id"`
	AssistantID string    `json:"assistant_id"`
	State       string    `json:"state"`
	StartedAt   time.Time `json:"started_at"`
	StartedBy   string    `json:"started_by"`
	NowPlaying  string    `json:"now_playing,omitempty"`
	QueueLen    int       `json:"queue_len"`
}

func handleHealthz(reg *registry.Registry, calls *call.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		authorised := 0
		for _, snap := range reg.List() {
			if snap.Health == models.HealthAuthorised {
				authorised++
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":     "ok",
			"assistants": len(reg.List()),
			"authorised": authorised,
			"sessions":   len(calls.Sessions()),
		})
	}
}

func handleAssistants(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		snaps := reg.List()
		views := make([]assistantView, 0, len(snaps))
		for _, s := range snaps {
			views = append(views, assistantView{
				ID:           s.ID,
				DisplayName:  s.DisplayName,
				IsActive:     s.IsActive,
				Health:       s.Health,
				OpenCalls:    s.OpenCalls,
				LastUsedAt:   s.LastUsedAt,
				LastHealthOK: s.LastHealthOK,
				CooldownTill: s.CooldownTill,
			})
		}
		c.JSON(http.StatusOK, views)
	}
}

func handleSessions(calls *call.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := calls.Sessions()
		views := make([]sessionView, 0, len(sessions))
		for _, s := range sessions {
			q := s.Queue().Snapshot()
			v := sessionView{
				GroupID:     s.GroupID,
				AssistantID: s.AssistantID,
				State:       string(s.State()),
				StartedAt:   s.StartedAt,
				StartedBy:   s.StartedBy,
				QueueLen:    len(q.Pending),
			}
			if q.Current != nil {
				v.NowPlaying = q.Current.Title
			}
			views = append(views, v)
		}
		c.JSON(http.StatusOK, views)
	}
}

func handleGroupQueue(calls *call.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := calls.Session(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no session for group"})
			return
		}
		c.JSON(http.StatusOK, sess.Queue().Snapshot())
	}
}

func handleNotices(db *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		var notices []models.Notice
		err := db.Order("created_at DESC").Limit(50).Find(&notices).Error
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "notice query failed"})
			return
		}
		c.JSON(http.StatusOK, notices)
	}
}
