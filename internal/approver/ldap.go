package approver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/douban/helpdesk/pkg/config"
	"github.com/douban/helpdesk/pkg/logger"
	"github.com/go-ldap/ldap/v3"
)

// LDAPDirectory 通过 LDAP 查询部门负责人
type LDAPDirectory struct {
	config *config.LDAPConfig
}

// NewLDAPDirectory 创建 LDAP 查询
func NewLDAPDirectory(cfg *config.LDAPConfig) *LDAPDirectory {
	cfg.SetDefaults()
	return &LDAPDirectory{config: cfg}
}

// DepartmentOwners 查询部门条目上的负责人属性
// 属性值为 DN 时取第一个 RDN 的值作为用户名
func (l *LDAPDirectory) DepartmentOwners(_ context.Context, department string) ([]string, error) {
	conn, err := l.connect()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if l.config.BindDN != "" {
		if err := conn.Bind(l.config.BindDN, l.config.BindPassword); err != nil {
			return nil, fmt.Errorf("failed to bind with admin account: %w", err)
		}
	}

	filter := fmt.Sprintf(l.config.DepartmentFilter, ldap.EscapeFilter(department))
	req := ldap.NewSearchRequest(
		l.config.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.NeverDerefAliases,
		1,
		10,
		false,
		filter,
		[]string{l.config.OwnerAttribute},
		nil,
	)
	result, err := conn.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search department %s: %w", department, err)
	}
	if len(result.Entries) == 0 {
		logger.Warnf("LDAP: department %s not found with filter %s", department, filter)
		return nil, nil
	}

	var owners []string
	for _, v := range result.Entries[0].GetAttributeValues(l.config.OwnerAttribute) {
		if name := ownerName(v); name != "" {
			owners = append(owners, name)
		}
	}
	return owners, nil
}

// connect 短连接，每次查询都创建新连接
func (l *LDAPDirectory) connect() (*ldap.Conn, error) {
	conn, err := ldap.DialURL(l.config.URL, ldap.DialWithDialer(&net.Dialer{Timeout: 10 * time.Second}))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to LDAP server %s: %w", l.config.URL, err)
	}
	conn.SetTimeout(10 * time.Second)
	return conn, nil
}

// ownerName uid=alice,ou=people,dc=example,dc=com -> alice
func ownerName(value string) string {
	if !strings.Contains(value, "=") {
		return strings.TrimSpace(value)
	}
	dn, err := ldap.ParseDN(value)
	if err != nil || len(dn.RDNs) == 0 || len(dn.RDNs[0].Attributes) == 0 {
		return ""
	}
	return dn.RDNs[0].Attributes[0].Value
}
