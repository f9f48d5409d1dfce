package policy

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/douban/helpdesk/internal/actiontree"
	"github.com/douban/helpdesk/internal/api/handler/common"
	"github.com/douban/helpdesk/internal/model"
	policyService "github.com/douban/helpdesk/internal/service/policy"
	"github.com/gin-gonic/gin"
)

// ActionFinder 在功能导航树中查找 action
type ActionFinder interface {
	Find(ctx context.Context, target string) *actiontree.Action
}

// PolicyHandler 审批流、工单关联、用户组和参数规则的管理接口
type PolicyHandler struct {
	svc   *policyService.Service
	rules *policyService.ParamRules
	tree  ActionFinder
}

// NewPolicyHandler 创建处理器
func NewPolicyHandler(svc *policyService.Service, rules *policyService.ParamRules, tree ActionFinder) *PolicyHandler {
	return &PolicyHandler{svc: svc, rules: rules, tree: tree}
}

// ListPolicies 审批流列表
// @Summary 审批流列表
// @Tags Policy
// @Produce json
// @Security Bearer
// @Param page query int false "页码"
// @Param page_size query int false "每页数量"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 500 {object} model.Response
// @Router /api/policies [get]
func (h *PolicyHandler) ListPolicies(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	total, policies, err := h.svc.ListPolicies(c.Request.Context(), page, pageSize)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(model.NewPaginatedResponse(policies, total, page, pageSize)))
}

// GetPolicy 审批流详情
// @Summary 审批流详情
// @Tags Policy
// @Produce json
// @Security Bearer
// @Param id path int true "审批流ID"
// @Success 200 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/policies/{id} [get]
func (h *PolicyHandler) GetPolicy(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	p, err := h.svc.GetPolicy(c.Request.Context(), id)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(p))
}

// CreatePolicy 创建审批流
// @Summary 创建审批流
// @Tags Policy
// @Accept json
// @Produce json
// @Security Bearer
// @Param request body policyService.PolicyForm true "审批流"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 500 {object} model.Response
// @Router /api/policies [post]
func (h *PolicyHandler) CreatePolicy(c *gin.Context) {
	var form policyService.PolicyForm
	if !common.BindJSON(c, &form) {
		return
	}
	p, err := h.svc.CreatePolicy(c.Request.Context(), &form, model.CurrentUser(c).Name)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(p))
}

// UpdatePolicy 修改审批流
// @Summary 修改审批流
// @Tags Policy
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "审批流ID"
// @Param request body policyService.PolicyForm true "审批流"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/policies/{id} [put]
func (h *PolicyHandler) UpdatePolicy(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	var form policyService.PolicyForm
	if !common.BindJSON(c, &form) {
		return
	}
	p, err := h.svc.UpdatePolicy(c.Request.Context(), id, &form, model.CurrentUser(c).Name)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(p))
}

// DeletePolicy 删除审批流及其关联
// @Summary 删除审批流
// @Tags Policy
// @Produce json
// @Security Bearer
// @Param id path int true "审批流ID"
// @Success 200 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/policies/{id} [delete]
func (h *PolicyHandler) DeletePolicy(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.DeletePolicy(c.Request.Context(), id); err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(gin.H{"policy_id": id}))
}

// ListAssociates 按审批流或按工单查询关联
// @Summary 审批流关联列表
// @Tags Policy
// @Produce json
// @Security Bearer
// @Param config_type query string true "policy / ticket"
// @Param policy_id query int false "审批流ID"
// @Param target_object query string false "工单对象"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 500 {object} model.Response
// @Router /api/associates [get]
func (h *PolicyHandler) ListAssociates(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		associates []model.TicketPolicy
		err        error
	)
	switch c.Query("config_type") {
	case "policy":
		id, convErr := strconv.ParseUint(c.Query("policy_id"), 10, 64)
		if convErr != nil {
			c.JSON(http.StatusBadRequest, model.Error(400, "invalid policy_id"))
			return
		}
		associates, err = h.svc.ListAssociationsByPolicy(ctx, uint(id))
	case "ticket":
		target := c.Query("target_object")
		if h.tree.Find(ctx, target) == nil {
			common.HandleError(c, fmt.Errorf("%w: %s", model.ErrActionNotFound, target))
			return
		}
		associates, err = h.svc.ListAssociationsByTicket(ctx, target)
	default:
		c.JSON(http.StatusBadRequest, model.Error(400, "Config type not supported"))
		return
	}
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(associates))
}

// CreateAssociate 为工单关联审批流
// @Summary 关联审批流
// @Tags Policy
// @Accept json
// @Produce json
// @Security Bearer
// @Param request body policyService.AssociationForm true "关联"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 500 {object} model.Response
// @Router /api/associates [post]
func (h *PolicyHandler) CreateAssociate(c *gin.Context) {
	var form policyService.AssociationForm
	if !common.BindJSON(c, &form) {
		return
	}
	tp, err := h.svc.CreateAssociation(c.Request.Context(), &form)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(tp))
}

// UpdateAssociate 修改关联
// @Summary 修改关联
// @Tags Policy
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "关联ID"
// @Param request body policyService.AssociationForm true "关联"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/associates/{id} [put]
func (h *PolicyHandler) UpdateAssociate(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	var form policyService.AssociationForm
	if !common.BindJSON(c, &form) {
		return
	}
	tp, err := h.svc.UpdateAssociation(c.Request.Context(), id, &form)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(tp))
}

// DeleteAssociate 删除关联
// @Summary 删除关联
// @Tags Policy
// @Produce json
// @Security Bearer
// @Param id path int true "关联ID"
// @Success 200 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/associates/{id} [delete]
func (h *PolicyHandler) DeleteAssociate(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteAssociation(c.Request.Context(), id); err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(gin.H{"id": id}))
}

// ListGroups 用户组列表
// @Summary 用户组列表
// @Tags Group
// @Produce json
// @Security Bearer
// @Success 200 {object} model.Response
// @Failure 500 {object} model.Response
// @Router /api/group_users [get]
func (h *PolicyHandler) ListGroups(c *gin.Context) {
	groups, err := h.svc.ListGroups(c.Request.Context())
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(groups))
}

// CreateGroup 创建用户组
// @Summary 创建用户组
// @Tags Group
// @Accept json
// @Produce json
// @Security Bearer
// @Param request body policyService.GroupForm true "用户组"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 500 {object} model.Response
// @Router /api/group_users [post]
func (h *PolicyHandler) CreateGroup(c *gin.Context) {
	var form policyService.GroupForm
	if !common.BindJSON(c, &form) {
		return
	}
	g, err := h.svc.CreateGroup(c.Request.Context(), &form, model.CurrentUser(c).Name)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(g))
}

// UpdateGroup 修改用户组
// @Summary 修改用户组
// @Tags Group
// @Accept json
// @Produce json
// @Security Bearer
// @Param id path int true "用户组ID"
// @Param request body policyService.GroupForm true "用户组"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/group_users/{id} [put]
func (h *PolicyHandler) UpdateGroup(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	var form policyService.GroupForm
	if !common.BindJSON(c, &form) {
		return
	}
	g, err := h.svc.UpdateGroup(c.Request.Context(), id, &form, model.CurrentUser(c).Name)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(g))
}

// DeleteGroup 删除用户组
// @Summary 删除用户组
// @Tags Group
// @Produce json
// @Security Bearer
// @Param id path int true "用户组ID"
// @Success 200 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/group_users/{id} [delete]
func (h *PolicyHandler) DeleteGroup(c *gin.Context) {
	id, ok := common.ParseID(c, "id")
	if !ok {
		return
	}
	if err := h.svc.DeleteGroup(c.Request.Context(), id); err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(gin.H{"id": id}))
}

// adminTarget 管理面板的 action，目前只支持参数规则
func (h *PolicyHandler) adminTarget(c *gin.Context) (*actiontree.Action, bool) {
	target := c.Param("target")
	a := h.tree.Find(c.Request.Context(), target)
	if a == nil {
		common.HandleError(c, fmt.Errorf("%w: %s", model.ErrActionNotFound, target))
		return nil, false
	}
	if c.Param("config_type") != "param_rule" {
		c.JSON(http.StatusBadRequest, model.Error(400, "Config type not supported"))
		return nil, false
	}
	return a, true
}

// GetParamRules action 的参数规则
// @Summary 参数规则列表
// @Tags ParamRule
// @Produce json
// @Security Bearer
// @Param target path string true "功能名称"
// @Param config_type path string true "param_rule"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/admin_panel/{target}/{config_type} [get]
func (h *PolicyHandler) GetParamRules(c *gin.Context) {
	a, ok := h.adminTarget(c)
	if !ok {
		return
	}
	rules, err := h.rules.List(c.Request.Context(), a.TargetObject)
	if err != nil {
		common.HandleError(c, err)
		return
	}
	c.JSON(http.StatusOK, model.Success(rules))
}

// OperateParamRule 新增或删除参数规则
// @Summary 新增或删除参数规则
// @Tags ParamRule
// @Accept json
// @Produce json
// @Security Bearer
// @Param target path string true "功能名称"
// @Param config_type path string true "param_rule"
// @Param op path string true "add / del"
// @Param request body policyService.ParamRuleForm true "参数规则"
// @Success 200 {object} model.Response
// @Failure 400 {object} model.Response
// @Failure 404 {object} model.Response
// @Router /api/admin_panel/{target}/{config_type}/{op} [post]
func (h *PolicyHandler) OperateParamRule(c *gin.Context) {
	a, ok := h.adminTarget(c)
	if !ok {
		return
	}
	var form policyService.ParamRuleForm
	if !common.BindJSON(c, &form) {
		return
	}
	ctx := c.Request.Context()
	switch c.Param("op") {
	case "add":
		r, err := h.rules.Add(ctx, a.TargetObject, &form)
		if err != nil {
			common.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, model.Success(r))
	case "del":
		if err := h.rules.Delete(ctx, form.ID); err != nil {
			common.HandleError(c, err)
			return
		}
		c.JSON(http.StatusOK, model.Success(true))
	default:
		c.JSON(http.StatusBadRequest, model.Error(400, "Operation not supported"))
	}
}
