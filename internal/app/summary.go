package app

import (
	"fmt"
	"strings"

	"tradeflow/internal/config"
)

type StartupSummary struct {
	Env         string
	StoreDriver string
	HTTPAddr    string
	Accounts    []AccountSummary
	Engine      config.EngineConfig
	Sinks       []string
}

type AccountSummary struct {
	Account       string
	Kind          string
	RatePerSecond float64
	Burst         int
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[运行环境 (RUNTIME)]")
	fmt.Printf("  环境: %s\n", orDash(s.Env))
	fmt.Printf("  账本存储: %s\n", orDash(s.StoreDriver))
	fmt.Printf("  HTTP 监听: %s\n", orDash(s.HTTPAddr))
	fmt.Println()

	fmt.Println("[券商账户 (BROKER ACCOUNTS)]")
	if len(s.Accounts) == 0 {
		fmt.Println("  (无配置)")
	}
	for _, a := range s.Accounts {
		fmt.Printf("  > %s (%s) 限速 %.1f/s burst=%d\n", a.Account, a.Kind, a.RatePerSecond, a.Burst)
	}
	fmt.Println()

	e := s.Engine
	fmt.Println("[对账循环 (RECONCILIATION)]")
	fmt.Printf("  轮询间隔: %s  入场循环: %s  退出循环: %s\n", e.PollInterval(), e.EntryInterval(), e.ExitInterval())
	fmt.Printf("  入场超时: %s  退出超时: %s\n", e.PendingTimeout(), e.ExitTimeout())
	fmt.Printf("  重新武装冷却: %s  入场冷却: %s\n", e.RearmCooldown(), e.EntryCooldown())
	fmt.Printf("  并发查询上限: %d  协调器 worker: %d\n", e.MaxStatusCalls, e.Workers)
	fmt.Println()

	fmt.Println("[事件订阅 (EVENT SINKS)]")
	fmt.Printf("  %s\n", formatList(s.Sinks))
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
