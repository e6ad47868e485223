package tools

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/sipeed/wabot/pkg/capability"
	"github.com/sipeed/wabot/pkg/logger"
)

// systemInfo reports process health and orchestrator counters.
type systemInfo struct {
	startedAt time.Time
	now       func() time.Time
	stats     func() map[string]interface{}
}

func (t *systemInfo) Handle(_ context.Context, req capability.Request) (capability.Result, error) {
	logger.DebugCF("tools", "system_info requested", map[string]interface{}{
		"conversation": req.ConversationID,
	})

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	var out strings.Builder
	out.WriteString("🔍 *System Status*\n\n")
	fmt.Fprintf(&out, "⏱️ Uptime: %s\n", t.now().Sub(t.startedAt).Truncate(time.Second))
	fmt.Fprintf(&out, "💾 Memory: %.1f MB\n", float64(m.Alloc)/(1<<20))
	fmt.Fprintf(&out, "🧵 Goroutines: %d\n", runtime.NumGoroutine())
	if host, err := os.Hostname(); err == nil {
		fmt.Fprintf(&out, "🖥️ Host: %s (%s/%s)\n", host, runtime.GOOS, runtime.GOARCH)
	}

	if t.stats != nil {
		stats := t.stats()
		keys := make([]string, 0, len(stats))
		for k := range stats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > 0 {
			out.WriteString("\n📋 *Tasks*\n")
		}
		for _, k := range keys {
			fmt.Fprintf(&out, "• %s: %v\n", strings.ReplaceAll(k, "_", " "), stats[k])
		}
	}
	return capability.Result{Text: strings.TrimRight(out.String(), "\n")}, nil
}
