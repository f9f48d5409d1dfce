package action

import (
	"context"
	"net/http"
	"strings"

	"github.com/douban/helpdesk/internal/actiontree"
	"github.com/douban/helpdesk/internal/api/handler/common"
	"github.com/douban/helpdesk/internal/model"
	actionService "github.com/douban/helpdesk/internal/service/action"
	"github.com/gin-gonic/gin"
)

// TreeLister 功能导航树
type TreeLister interface {
	TreeList(ctx context.Context) actiontree.Item
}

// ActionHandler 功能导航和提交工单
type ActionHandler struct {
	tree TreeLister
	svc  *actionService.Service
}

// NewActionHandler 创建处理器
func NewActionHandler(tree TreeLister, svc *actionService.Service) *ActionHandler {
	return &ActionHandler{tree: tree, svc: svc}
}

// GetActionTree 功能导航树，前端按层级渲染
// @Summary 功能导航树
// @Tags Action
// @Produce json
// @Security Bearer
// @Success 200 {object} model.Response
// @Failure 500 {object} model.Response
// @Router /api/action_tree [get]
func (h *ActionHandler) GetActionTree(c *gin.Context) {
	c.JSON(http.StatusOK, model.Success([]actiontree.Item{h.tree.TreeList(c.Request.Context())}))
}

// GetAction 功能详情和参数定义
// @Summary 功能详情
// @Tags Action
// @Produce json
// @Security Bearer
// @Param target path string true "功能名称"
// @Success 200 {object} model.Response
// @Failure 403 {object} model.Response
// @Failure 404 {object} model.Response
// @Failure 500 {object} model.Response
// @Router /api/action/{target} [get]
func (h *ActionHandler) GetAction(c *gin.Context) {
	detail, err := h.svc.Describe(c.Request.Context(), c.Param("target"), model.CurrentUser(c))
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(detail))
}

// RunAction 提交工单，支持 JSON 和表单两种请求体
// @Summary 提交工单
// @Tags Action
// @Accept x-www-form-urlencoded
// @Accept json
// @Produce json
// @Security Bearer
// @Param target path string true "功能名称"
// @Param request body map[string]interface{} true "工单参数，也可以用表单提交"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 403 {object} model.Response
// @Failure 500 {object} model.Response
// @Router /api/action/{target} [post]
func (h *ActionHandler) RunAction(c *gin.Context) {
	form, ok := readForm(c)
	if !ok {
		return
	}
	result, err := h.svc.Run(c.Request.Context(), c.Param("target"), form, model.CurrentUser(c))
	if err != nil {
		common.HandleError(c, err)
		return
	}
	if result.Ticket == nil {
		c.JSON(http.StatusBadRequest, model.Error(400, result.Message))
		return
	}
	c.JSON(http.StatusOK, model.SuccessWithMessage(result.Message, result))
}

func readForm(c *gin.Context) (map[string]interface{}, bool) {
	form := map[string]interface{}{}
	if strings.HasPrefix(c.ContentType(), "application/json") {
		if c.Request.ContentLength == 0 {
			return form, true
		}
		return form, common.BindJSON(c, &form)
	}
	if err := c.Request.ParseForm(); err != nil {
		c.JSON(http.StatusBadRequest, model.Error(400, "请求参数错误: "+err.Error()))
		return nil, false
	}
	for k, values := range c.Request.PostForm {
		if len(values) == 1 {
			form[k] = values[0]
			continue
		}
		list := make([]interface{}, 0, len(values))
		for _, v := range values {
			list = append(list, v)
		}
		form[k] = list
	}
	return form, true
}
