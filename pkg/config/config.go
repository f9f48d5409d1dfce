package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Security     SecurityConfig     `yaml:"security"`
	Logging      LoggingConfig      `yaml:"logging"`
	System       SystemConfig       `yaml:"system"`
	Cache        CacheConfig        `yaml:"cache"`
	Providers    ProvidersConfig    `yaml:"providers"`
	Approvers    ApproversConfig    `yaml:"approvers"`
	Notification NotificationConfig `yaml:"notification"`
	Sentry       SentryConfig       `yaml:"sentry"`
	// ActionTree 功能导航树，格式为 [name, [subconfigs...]]
	ActionTree []interface{} `yaml:"action_tree"`
}

type ServerConfig struct {
	APIPort int    `yaml:"api_port" env:"HELPDESK_PORT"`
	Mode    string `yaml:"mode" env:"GIN_MODE"`
	// BaseURL 对外访问地址，用于生成工单链接和回调地址
	BaseURL string `yaml:"base_url" env:"HELPDESK_BASE_URL"`
}

type DatabaseConfig struct {
	Driver          string `yaml:"driver" env:"DB_DRIVER"` // 数据库驱动: mysql, postgres (默认: mysql)
	Host            string `yaml:"host" env:"DB_HOST"`
	Port            int    `yaml:"port" env:"DB_PORT"`
	User            string `yaml:"user" env:"DB_USER"`
	Password        string `yaml:"password" env:"DB_PASSWORD"`
	DBName          string `yaml:"dbname" env:"DB_NAME"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	// Enabled 是否启用Redis
	// - true: 缓存与工单锁走 Redis，多实例部署时共享
	// - false: 使用进程内缓存，工单并发只依赖版本号校验
	Enabled bool `yaml:"enabled" env:"REDIS_ENABLED"`

	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`

	// 超时时间（秒）
	ConnectTimeout int `yaml:"connect_timeout"`
	ReadTimeout    int `yaml:"read_timeout"`
	WriteTimeout   int `yaml:"write_timeout"`

	PoolSize     int `yaml:"pool_size"`
	MinIdleConns int `yaml:"min_idle_conns"`
}

// Validate 验证Redis配置
func (c *RedisConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Host == "" {
		return fmt.Errorf("redis host is required when enabled=true")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid redis port: %d", c.Port)
	}

	return nil
}

// SetDefaults 设置默认值
func (c *RedisConfig) SetDefaults() {
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 3
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 3
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = 5
	}
}

type SecurityConfig struct {
	// JWTSecret 用户登录 JWT 的签名密钥
	JWTSecret string `yaml:"jwt_secret" env:"HELPDESK_JWT_SECRET"`

	// CallbackSecret 执行回调 token 的签名密钥，为空时复用 JWTSecret
	CallbackSecret string `yaml:"callback_secret" env:"HELPDESK_CALLBACK_SECRET"`

	// CallbackTokenTTL 回调 token 有效期（秒）
	CallbackTokenTTL int `yaml:"callback_token_ttl"`

	// AdminRoles 拥有管理员权限的角色
	AdminRoles []string `yaml:"admin_roles" env:"HELPDESK_ADMIN_ROLES" envSeparator:","`
}

// SetDefaults 设置安全配置的默认值
func (c *SecurityConfig) SetDefaults() {
	if c.JWTSecret == "" {
		// 仅用于开发环境，生产环境必须修改
		c.JWTSecret = "2mN7Qv0qkS0cE1bNf8YH5yA3kU9tW4rZ6pL1xJ8dG3sV7cM0"
	}
	if c.CallbackSecret == "" {
		c.CallbackSecret = c.JWTSecret
	}
	if c.CallbackTokenTTL == 0 {
		c.CallbackTokenTTL = 7 * 24 * 3600
	}
	if len(c.AdminRoles) == 0 {
		c.AdminRoles = []string{"admin", "system_admin", "Admin"}
	}
}

// CallbackTTL 回调 token 有效期
func (c *SecurityConfig) CallbackTTL() time.Duration {
	return time.Duration(c.CallbackTokenTTL) * time.Second
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"` // debug / info / warn / error
	Output string `yaml:"output"`                // console / file / both
	File   string `yaml:"file"`                  // 日志文件路径
}

// SystemConfig 工单系统行为配置
type SystemConfig struct {
	// SystemUser 系统自动操作时使用的用户名
	SystemUser string `yaml:"system_user"`
	// AdminPolicyID 未匹配任何审批流时使用的默认审批流
	AdminPolicyID uint `yaml:"admin_policy_id" env:"HELPDESK_ADMIN_POLICY"`
	// TicketsPerPage 工单列表单页上限
	TicketsPerPage int `yaml:"tickets_per_page"`
	// AutoApprovalTargets 无需审批直接执行的 action
	AutoApprovalTargets []string `yaml:"auto_approval_targets"`
	// TicketCallbackParams 需要替换为回调地址的参数名
	TicketCallbackParams []string `yaml:"ticket_callback_params"`
	// ParamFillup 强制填充的参数，值可以是固定字符串或者 "$user" / "$email"
	ParamFillup map[string]string `yaml:"param_fillup"`
	// ExecTimeout 提交执行的超时时间（秒）
	ExecTimeout int `yaml:"exec_timeout"`
}

// SetDefaults 设置默认值
func (c *SystemConfig) SetDefaults() {
	if c.SystemUser == "" {
		c.SystemUser = "admin"
	}
	if c.AdminPolicyID == 0 {
		c.AdminPolicyID = 1
	}
	if c.TicketsPerPage == 0 {
		c.TicketsPerPage = 50
	}
	if len(c.TicketCallbackParams) == 0 {
		c.TicketCallbackParams = []string{"helpdesk_ticket_callback_url", "helpdeskTicketCallbackUrl"}
	}
	if c.ExecTimeout == 0 {
		c.ExecTimeout = 15
	}
}

// CacheConfig 缓存配置（秒）
type CacheConfig struct {
	SchemaTTL   int `yaml:"schema_ttl"`
	PackTTL     int `yaml:"pack_ttl"`
	ApproverTTL int `yaml:"approver_ttl"`
	MaxEntries  int `yaml:"max_entries"`
}

// SetDefaults 设置默认值
func (c *CacheConfig) SetDefaults() {
	if c.SchemaTTL == 0 {
		c.SchemaTTL = 300
	}
	if c.PackTTL == 0 {
		c.PackTTL = 300
	}
	if c.ApproverTTL == 0 {
		c.ApproverTTL = 60
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = 4096
	}
}

type ProvidersConfig struct {
	Enabled   []string        `yaml:"enabled" env:"HELPDESK_PROVIDERS" envSeparator:","`
	Airflow   AirflowConfig   `yaml:"airflow"`
	ST2       ST2Config       `yaml:"st2"`
	SpinCycle SpinCycleConfig `yaml:"spincycle"`
	// RateLimit 每个后端每秒最大请求数
	RateLimit float64 `yaml:"rate_limit"`
	// Timeout 后端请求超时（秒）
	Timeout int `yaml:"timeout"`
}

type AirflowConfig struct {
	URL        string `yaml:"url" env:"AIRFLOW_SERVER_URL"`
	Username   string `yaml:"username" env:"AIRFLOW_USERNAME"`
	Password   string `yaml:"password" env:"AIRFLOW_PASSWORD"`
	DefaultTag string `yaml:"default_tag"`
}

type ST2Config struct {
	BaseURL                   string   `yaml:"base_url" env:"ST2_BASE_URL"`
	APIURL                    string   `yaml:"api_url"`
	AuthURL                   string   `yaml:"auth_url"`
	Username                  string   `yaml:"username" env:"ST2_USERNAME"`
	Password                  string   `yaml:"password" env:"ST2_PASSWORD"`
	DefaultPack               string   `yaml:"default_pack"`
	TokenTTL                  int      `yaml:"token_ttl"`
	WorkflowRunnerTypes       []string `yaml:"workflow_runner_types"`
	ExecutionResultURLPattern string   `yaml:"execution_result_url_pattern"`
}

type SpinCycleConfig struct {
	URL      string `yaml:"url" env:"SPINCYCLE_RM_URL"`
	Username string `yaml:"username" env:"SPINCYCLE_USERNAME"`
	Password string `yaml:"password" env:"SPINCYCLE_PASSWORD"`
}

// SetDefaults 设置默认值
func (c *ProvidersConfig) SetDefaults() {
	if c.Airflow.DefaultTag == "" {
		c.Airflow.DefaultTag = "helpdesk"
	}
	if c.ST2.DefaultPack == "" {
		c.ST2.DefaultPack = "helpdesk"
	}
	if c.ST2.TokenTTL == 0 {
		c.ST2.TokenTTL = 86400
	}
	if c.ST2.APIURL == "" && c.ST2.BaseURL != "" {
		c.ST2.APIURL = c.ST2.BaseURL + "/api"
	}
	if c.ST2.AuthURL == "" && c.ST2.BaseURL != "" {
		c.ST2.AuthURL = c.ST2.BaseURL + "/auth"
	}
	if len(c.ST2.WorkflowRunnerTypes) == 0 {
		c.ST2.WorkflowRunnerTypes = []string{"action-chain", "mistral-v2", "orquesta"}
	}
	if c.ST2.ExecutionResultURLPattern == "" {
		c.ST2.ExecutionResultURLPattern = "{base_url}/#/history/{execution_id}/general"
	}
	if c.RateLimit == 0 {
		c.RateLimit = 20
	}
	if c.Timeout == 0 {
		c.Timeout = 10
	}
}

// ApproversConfig 审批人解析配置
type ApproversConfig struct {
	// DepartmentOwners 部门负责人映射
	DepartmentOwners map[string]string `yaml:"department_owners"`
	// AppOwnerURL 应用负责人查询地址，%s 会被替换为应用名
	AppOwnerURL string     `yaml:"app_owner_url" env:"HELPDESK_APP_OWNER_URL"`
	LDAP        LDAPConfig `yaml:"ldap"`
}

// LDAPConfig 部门负责人的 LDAP 兜底查询
type LDAPConfig struct {
	Enabled      bool   `yaml:"enabled" env:"LDAP_ENABLED"`
	URL          string `yaml:"url" env:"LDAP_URL"`
	BindDN       string `yaml:"bind_dn" env:"LDAP_BIND_DN"`
	BindPassword string `yaml:"bind_password" env:"LDAP_BIND_PASSWORD"`
	BaseDN       string `yaml:"base_dn"`
	// DepartmentFilter 查询部门的过滤器，%s 会被替换为部门名
	DepartmentFilter string `yaml:"department_filter"`
	// OwnerAttribute 部门条目上记录负责人的属性
	OwnerAttribute string `yaml:"owner_attribute"`
}

// SetDefaults 设置默认值
func (c *LDAPConfig) SetDefaults() {
	if c.DepartmentFilter == "" {
		c.DepartmentFilter = "(&(objectClass=organizationalUnit)(ou=%s))"
	}
	if c.OwnerAttribute == "" {
		c.OwnerAttribute = "manager"
	}
}

type NotificationConfig struct {
	// Methods 启用的通知渠道，按顺序发送: mail, webhook, chat, feishu, dingtalk, wechat
	Methods     []string `yaml:"methods" env:"HELPDESK_NOTIFICATION_METHODS" envSeparator:","`
	TitlePrefix string   `yaml:"title_prefix"`
	EmailDomain string   `yaml:"email_domain"`
	AdminEmails []string `yaml:"admin_emails"`

	Mail     MailConfig    `yaml:"mail"`
	Webhook  WebhookConfig `yaml:"webhook"`
	Chat     WebhookConfig `yaml:"chat"`
	Feishu   WebhookConfig `yaml:"feishu"`
	DingTalk WebhookConfig `yaml:"dingtalk"`
	WeChat   WebhookConfig `yaml:"wechat"`
}

type MailConfig struct {
	From        string `yaml:"from"`
	Server      string `yaml:"server" env:"SMTP_SERVER"`
	Port        int    `yaml:"port" env:"SMTP_SERVER_PORT"`
	SSL         bool   `yaml:"ssl"`
	Credentials string `yaml:"credentials" env:"SMTP_CREDENTIALS"` // user:password
}

type WebhookConfig struct {
	URL    string `yaml:"url"`
	Secret string `yaml:"secret"`
}

// SetDefaults 设置默认值
func (c *NotificationConfig) SetDefaults() {
	if c.EmailDomain == "" {
		c.EmailDomain = "example.com"
	}
	if c.Mail.From == "" {
		c.Mail.From = "sysadmin+helpdesk@" + c.EmailDomain
	}
	if c.Mail.Server == "" {
		c.Mail.Server = "localhost"
	}
	if c.Mail.Port == 0 {
		c.Mail.Port = 25
	}
}

type SentryConfig struct {
	DSN         string `yaml:"dsn" env:"SENTRY_DSN"`
	Environment string `yaml:"environment" env:"SENTRY_ENVIRONMENT"`
}

var GlobalConfig *Config

// Load 读取配置文件，环境变量优先级高于配置文件
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse 解析配置内容
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// 支持通过环境变量覆盖配置（Docker 部署时使用）
	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("failed to parse env overrides: %w", err)
	}

	config.SetDefaults()

	if err := config.Redis.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}
	if err := config.Providers.Validate(); err != nil {
		return nil, fmt.Errorf("invalid providers config: %w", err)
	}

	GlobalConfig = &config
	return &config, nil
}

// SetDefaults 设置所有默认值
func (c *Config) SetDefaults() {
	if c.Server.APIPort == 0 {
		c.Server.APIPort = 8080
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	c.Security.SetDefaults()
	c.System.SetDefaults()
	c.Cache.SetDefaults()
	c.Providers.SetDefaults()
	c.Approvers.LDAP.SetDefaults()
	c.Notification.SetDefaults()
	if c.ActionTree == nil {
		c.ActionTree = []interface{}{"功能导航", []interface{}{}}
	}
}

// Validate 验证启用的后端都有地址
func (c *ProvidersConfig) Validate() error {
	for _, name := range c.Enabled {
		switch name {
		case "airflow":
			if c.Airflow.URL == "" {
				return fmt.Errorf("airflow url is required when airflow is enabled")
			}
		case "st2":
			if c.ST2.BaseURL == "" {
				return fmt.Errorf("st2 base_url is required when st2 is enabled")
			}
		case "spincycle":
			if c.SpinCycle.URL == "" {
				return fmt.Errorf("spincycle url is required when spincycle is enabled")
			}
		default:
			return fmt.Errorf("unknown provider: %s (supported: airflow, st2, spincycle)", name)
		}
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	if c.Driver == "postgres" || c.Driver == "postgresql" {
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.DBName)
	}
	// 默认 MySQL
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// SetDefaults 设置默认值
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "mysql"
	}
	if c.Port == 0 {
		if c.Driver == "postgres" || c.Driver == "postgresql" {
			c.Port = 5432
		} else {
			c.Port = 3306
		}
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 100
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 3600 // 1 hour
	}
}
