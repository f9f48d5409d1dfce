package ticket

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/douban/helpdesk/internal/api/handler/common"
	"github.com/douban/helpdesk/internal/model"
	"github.com/douban/helpdesk/internal/provider"
	"github.com/douban/helpdesk/internal/repository"
	ticketService "github.com/douban/helpdesk/internal/service/ticket"
	"github.com/gin-gonic/gin"
)

// TicketHandler 工单处理器
type TicketHandler struct {
	svc     *ticketService.Service
	perPage int
}

// NewTicketHandler 创建工单处理器，perPage 为单页上限
func NewTicketHandler(svc *ticketService.Service, perPage int) *TicketHandler {
	if perPage <= 0 {
		perPage = 50
	}
	return &TicketHandler{svc: svc, perPage: perPage}
}

// TicketView 工单详情，附带前端需要的状态和链接
type TicketView struct {
	*model.Ticket
	Status     string `json:"status"`
	Color      string `json:"color"`
	URL        string `json:"url"`
	APIURL     string `json:"api_url"`
	ApproveURL string `json:"approve_url"`
	RejectURL  string `json:"reject_url"`
	ResultURL  string `json:"execution_result_url"`
}

func newTicketView(t *model.Ticket) TicketView {
	return TicketView{
		Ticket:     t,
		Status:     t.Status(),
		Color:      t.Color(),
		URL:        fmt.Sprintf("/ticket/%d", t.ID),
		APIURL:     fmt.Sprintf("/api/ticket/%d", t.ID),
		ApproveURL: fmt.Sprintf("/api/ticket/%d/approve", t.ID),
		RejectURL:  fmt.Sprintf("/api/ticket/%d/reject", t.ID),
		ResultURL:  t.ExecutionResultURL(),
	}
}

// ListTickets 获取工单列表，非管理员只能看到自己提交的工单
// @Summary 工单列表
// @Tags Ticket
// @Produce json
// @Security Bearer
// @Param page query int false "页码"
// @Param pagesize query int false "每页数量"
// @Param query_key query string false "过滤字段"
// @Param query_value query string false "过滤值"
// @Param order_by query string false "排序字段"
// @Param desc query bool false "是否倒序"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 500 {object} model.Response
// @Router /api/ticket [get]
func (h *TicketHandler) ListTickets(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.Query("pagesize"))
	if err != nil || pageSize < 1 || pageSize > h.perPage {
		pageSize = h.perPage
	}

	filter := repository.TicketFilter{
		QueryKey:   c.Query("query_key"),
		QueryValue: c.Query("query_value"),
		OrderBy:    c.Query("order_by"),
		Desc:       !strings.EqualFold(c.Query("desc"), "false"),
		Offset:     (page - 1) * pageSize,
		Limit:      pageSize,
	}
	tickets, total, err := h.svc.List(c.Request.Context(), model.CurrentUser(c), filter)
	if err != nil {
		common.HandleError(c, err)
		return
	}

	views := make([]TicketView, 0, len(tickets))
	for i := range tickets {
		views = append(views, newTicketView(&tickets[i]))
	}
	c.JSON(http.StatusOK, model.Success(gin.H{
		"tickets":   views,
		"page":      page,
		"page_size": pageSize,
		"total":     total,
	}))
}

// GetTicket 获取工单详情
// @Summary 工单详情
// @Tags Ticket
// @Produce json
// @Security Bearer
// @Param id path int true "工单ID"
// @Success 200 {object} model.Response
// @Failure 403 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/ticket/{id} [get]
func (h *TicketHandler) GetTicket(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	t, err := h.svc.Get(c.Request.Context(), id, model.CurrentUser(c))
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(gin.H{
		"tickets": []TicketView{newTicketView(t)},
		"total":   1,
	}))
}

// OperateRequest 审批操作的请求
type OperateRequest struct {
	Reason string `json:"reason"`
}

// OperateTicket 审批通过、拒绝或关闭工单
// @Summary 审批通过、拒绝或关闭工单
// @Tags Ticket
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "工单ID"
// @Param op path string true "approve / reject / close"
// @Param request body OperateRequest false "审批意见"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 403 {object} model.Response
// @Failure 404 {object} model.Response
// @Failure 409 {object} model.Response
// @Router /api/ticket/{id}/{op} [post]
func (h *TicketHandler) OperateTicket(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	var req OperateRequest
	if c.Request.ContentLength != 0 && !common.BindJSON(c, &req) {
		return
	}

	ctx := c.Request.Context()
	user := model.CurrentUser(c)
	var (
		msg string
		err error
	)
	switch c.Param("op") {
	case "approve":
		ok, msg, err = h.svc.Approve(ctx, id, user)
	case "reject":
		ok, msg, err = h.svc.Reject(ctx, id, user, req.Reason)
	case "close":
		ok, msg, err = true, ticketService.MsgSuccess, h.svc.Close(ctx, id, user, req.Reason)
	default:
		c.JSON(http.StatusBadRequest, model.Error(400, "Operation not supported"))
		return
	}
	if err != nil {
		common.HandleError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusBadRequest, model.Error(400, msg))
		return
	}
	c.JSON(http.StatusOK, model.SuccessWithMessage(msg, gin.H{"msg": msg}))
}

// GetResult 查询执行结果
// @Summary 执行结果
// @Tags Ticket
// @Produce json
// @Security Bearer
// @Param id path int true "工单ID"
// @Param exec_output_id query string false "执行记录ID"
// @Success 200 {object} model.Response
// @Failure 403 {object} model.Response
// @Failure 404 {object} model.Response
// @Failure 500 {object} model.Response
// @Router /api/ticket/{id}/result [get]
func (h *TicketHandler) GetResult(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := h.svc.Get(ctx, id, model.CurrentUser(c)); err != nil {
		common.HandleError(c, err)
		return
	}
	result, err := h.svc.Result(ctx, id, c.Query("exec_output_id"))
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(result))
}

// GetLog 查询执行中单个任务的日志
// @Summary 任务日志
// @Tags Ticket
// @Produce json
// @Security Bearer
// @Param id path int true "工单ID"
// @Param exec_id query string false "执行记录ID"
// @Param task query string true "任务名称"
// @Param try query int false "重试次数"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 403 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/ticket/{id}/log [get]
func (h *TicketHandler) GetLog(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	var q provider.LogQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, model.Error(400, "请求参数错误: "+err.Error()))
		return
	}
	ctx := c.Request.Context()
	if _, err := h.svc.Get(ctx, id, model.CurrentUser(c)); err != nil {
		common.HandleError(c, err)
		return
	}
	log, err := h.svc.Log(ctx, id, q)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(log))
}

// MarkRequest 执行后端回调的请求
type MarkRequest struct {
	ExecutionStatus string `json:"execution_status"`
}

// MarkTicket 执行后端回调，使用工单回调 token 鉴权
// @Summary 执行后端回调
// @Tags Ticket
// @Accept json
// @Produce json
// @Param id path int true "工单ID"
// @Param token query string true "回调 token"
// @Param request body MarkRequest false "执行状态"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 401 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/ticket/mark/{id} [post]
func (h *TicketHandler) MarkTicket(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	var req MarkRequest
	if c.Request.ContentLength != 0 && !common.BindJSON(c, &req) {
		return
	}
	if err := h.svc.Mark(c.Request.Context(), id, c.Query("token"), req.ExecutionStatus); err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.SuccessWithMessage(ticketService.MsgSuccess, gin.H{"msg": ticketService.MsgSuccess}))
}
