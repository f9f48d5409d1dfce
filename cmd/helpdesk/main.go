package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/douban/helpdesk/internal/app"
	"github.com/douban/helpdesk/internal/model"
	authService "github.com/douban/helpdesk/internal/service/auth"
	"github.com/douban/helpdesk/pkg/casbin"
	"github.com/douban/helpdesk/pkg/config"
)

// @title           Helpdesk API
// @version         1.0
// @description     Helpdesk 工单审批与执行平台 API 文档

// @securityDefinitions.apikey Bearer
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := issueToken(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	configPath := flag.String("config", "", "config file path (default $HELPDESK_CONFIG or config/config.yaml)")
	flag.Parse()

	application, err := app.Initialize(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize: %v\n", err)
		os.Exit(1)
	}
	app.StartServer(application)
}

// issueToken 为调试和脚本调用签发用户 token
func issueToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	configPath := fs.String("config", os.Getenv("HELPDESK_CONFIG"), "config file path")
	name := fs.String("user", "", "user name")
	email := fs.String("email", "", "user email")
	roles := fs.String("roles", "", "comma separated roles")
	ttl := fs.Duration("ttl", 7*24*time.Hour, "token ttl")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		*configPath = "config/config.yaml"
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	enforcer, err := casbin.New(cfg.Security.AdminRoles)
	if err != nil {
		return err
	}
	user := &model.User{Name: *name, Email: *email}
	if *roles != "" {
		user.Roles = strings.Split(*roles, ",")
	}
	token, err := authService.NewAuthService(cfg.Security.JWTSecret, enforcer).GenerateToken(user, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
