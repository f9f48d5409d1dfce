package model

// User 当前登录用户，由认证中间件从 token 中解析
type User struct {
	Name    string   `json:"name"`
	Email   string   `json:"email"`
	Roles   []string `json:"roles"`
	IsAdmin bool     `json:"is_admin"`
}

// HasRole 是否拥有任一角色
func (u *User) HasRole(roles ...string) bool {
	for _, r := range u.Roles {
		for _, want := range roles {
			if r == want {
				return true
			}
		}
	}
	return false
}
