package handlers

import (
	"net/http"

	"github.com/ahmadshakeelpu/psych-study/internal/config"
	"github.com/ahmadshakeelpu/psych-study/internal/models"
	"github.com/ahmadshakeelpu/psych-study/internal/services"
	"github.com/ahmadshakeelpu/psych-study/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"go.uber.org/zap"
)

// AdminHandler serves the privileged export and summary endpoints, gated by
// the shared admin token.
type AdminHandler struct {
	log *zap.Logger
	svc *services.ExportService
}

func NewAdminHandler(log *zap.Logger, svc *services.ExportService) *AdminHandler {
	return &AdminHandler{log: log, svc: svc}
}

// AdminAuth verifies the X-Admin-Token header against the configured secret.
func AdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		serverConf := config.Conf.Server
		token := c.GetHeader("X-Admin-Token")
		if !utils.VerifyAdminToken(token, serverConf.AdminToken, serverConf.AdminTokenHash) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Export streams the full participant table as CSV.
func (h *AdminHandler) Export(c *gin.Context) {
	data, err := h.svc.ExportCSV(c.Request.Context())
	if err != nil {
		h.log.Error("Export failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="participants.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", data)
}

// stageOrder fixes the x-axis of the summary chart to the study flow order.
var stageOrder = []models.SessionStage{
	models.StageDemographics,
	models.StageQuestionnaires,
	models.StageScreening,
	models.StageExcluded,
	models.StageConversation,
	models.StagePostTest,
	models.StageCompleted,
}

// Summary renders an HTML dashboard with participants per stage and the
// condition split.
func (h *AdminHandler) Summary(c *gin.Context) {
	summary, err := h.svc.Summarize(c.Request.Context())
	if err != nil {
		h.log.Error("Summary failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "server error"})
		return
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(charts.WithTitleOpts(opts.Title{
		Title:    "Participants by stage",
		Subtitle: "Derived stage of every enrolled participant",
	}))
	stages := make([]string, len(stageOrder))
	counts := make([]opts.BarData, len(stageOrder))
	for i, stage := range stageOrder {
		stages[i] = string(stage)
		counts[i] = opts.BarData{Value: summary.ByStage[stage]}
	}
	bar.SetXAxis(stages).AddSeries("participants", counts)

	pie := charts.NewPie()
	pie.SetGlobalOptions(charts.WithTitleOpts(opts.Title{Title: "Condition split"}))
	pie.AddSeries("condition", []opts.PieData{
		{Name: string(models.ConditionControl), Value: summary.ByCondition[models.ConditionControl]},
		{Name: string(models.ConditionExperimental), Value: summary.ByCondition[models.ConditionExperimental]},
	})

	page := components.NewPage()
	page.AddCharts(bar, pie)

	c.Status(http.StatusOK)
	c.Header("Content-Type", "text/html; charset=utf-8")
	if err := page.Render(c.Writer); err != nil {
		h.log.Error("Failed to render summary page", zap.Error(err))
	}
}
