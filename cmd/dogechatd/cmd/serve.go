package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/GreatApe42069/dogechat-android-sub001/pkg/config"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/identity"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/mesh"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/peer"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/transport"
	"github.com/GreatApe42069/dogechat-android-sub001/pkg/utils"
)

func runNode(cmd *cobra.Command, args []string) {
	fmt.Println(strings.Repeat("=", 70))
	fmt.Println("DogeChat Mesh Node")
	fmt.Println(strings.Repeat("=", 70))
	fmt.Println()

	// Try multiple .env paths (Load doesn't overwrite existing env vars)
	envPaths := []string{".env", "../../../.env", "../../.env", "../.env"}
	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			fmt.Printf("[INFO] Loaded environment from: %s\n", path)
			break
		}
	}
	if !envLoaded {
		fmt.Println("[INFO] .env not found; continuing with environment variables")
	}

	cfgMgr := utils.NewConfigManager(&utils.ConfigManagerConfig{
		SensitiveKeys: []string{"DOGECHAT_SIGNING_SEED_HEX"},
	})

	logCfg := &utils.LogConfig{
		Level:       cfgMgr.GetString("LOG_LEVEL", "info"),
		Development: cfgMgr.GetBool("LOG_DEVELOPMENT", false),
		Component:   "dogechatd",
	}
	if path := cfgMgr.GetString("LOG_FILE_PATH", ""); path != "" {
		logCfg.OutputPath = path
		logCfg.EnableRotation = true
		logCfg.MaxSize = cfgMgr.GetInt("LOG_MAX_SIZE", 100)
		logCfg.MaxBackups = cfgMgr.GetInt("LOG_MAX_BACKUPS", 3)
		logCfg.MaxAge = cfgMgr.GetInt("LOG_MAX_AGE", 28)
	}
	logger, err := utils.NewLogger(logCfg)
	if err != nil {
		exitWithError("logger init failed", err)
	}
	defer logger.Shutdown() //nolint:errcheck

	ident, err := loadIdentity(cfgMgr)
	if err != nil {
		exitWithError("identity init failed", err)
	}

	nickname := resolveNickname(cfgMgr, ident)
	meshCfg := config.LoadMeshConfig(cfgMgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	carrier := transport.NewMulti(ctx, logger)
	if nodeListenAddr != "" {
		if err := carrier.Listen(nodeListenAddr); err != nil {
			exitWithError("listen failed", err)
		}
	}
	for _, addr := range nodePeerAddrs {
		if addr = strings.TrimSpace(addr); addr != "" {
			carrier.Dial(addr)
		}
	}
	if nodeListenAddr == "" && len(nodePeerAddrs) == 0 {
		fmt.Println("[WARN] no --listen address and no --peer targets; running isolated")
	}

	ui := newConsole(os.Stdout)
	svc, err := mesh.NewService(ctx, mesh.Config{
		LocalID:   ident.PeerID,
		Nickname:  nickname,
		Mesh:      meshCfg,
		Transport: carrier,
		Registry:  peer.NewMemoryRegistry(),
		Codec:     ident,
		Delegate:  ui,
		Logger:    logger,
	})
	if err != nil {
		exitWithError("mesh service init failed", err)
	}

	if err := svc.Start(); err != nil {
		exitWithError("mesh service start failed", err)
	}

	fmt.Printf("[INFO] peer id:     %s (ephemeral, rotates each start)\n", ident.PeerID)
	fmt.Printf("[INFO] fingerprint: %s\n", ident.Fingerprint())
	fmt.Printf("[INFO] nickname:    %s\n", nickname)
	fmt.Printf("[INFO] transport:   %s\n", carrier.LocalAddr())
	fmt.Println()
	fmt.Println("Type a message and press enter to broadcast.")
	fmt.Println("Commands: /nick <name>, /who, /dump, /quit")
	fmt.Println()

	quitCh := make(chan struct{})
	go readInput(svc, ui, quitCh)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
	case <-quitCh:
	}

	fmt.Println("Shutdown requested, stopping components...")
	if err := svc.Leave(); err != nil {
		logger.Warn("leave broadcast failed", utils.ZapError(err))
	}
	svc.Stop()
	fmt.Println("Shutdown complete.")
}

// loadIdentity derives the signing identity from DOGECHAT_SIGNING_SEED_HEX
// when set, otherwise mints a throwaway one for this run
func loadIdentity(cfgMgr *utils.ConfigManager) (*identity.Identity, error) {
	if cfgMgr.GetString("DOGECHAT_SIGNING_SEED_HEX", "") == "" {
		return identity.Generate()
	}
	seed, err := cfgMgr.GetSecret("DOGECHAT_SIGNING_SEED_HEX")
	if err != nil {
		return nil, err
	}
	return identity.FromSigningSeedHex(seed)
}

func resolveNickname(cfgMgr *utils.ConfigManager, ident *identity.Identity) string {
	if nodeNickname != "" {
		return nodeNickname
	}
	if env := cfgMgr.GetString("DOGECHAT_NICKNAME", ""); env != "" {
		return env
	}
	return "doge-" + ident.PeerID.String()[:4]
}

// readInput feeds stdin lines into the mesh until EOF or /quit
func readInput(svc *mesh.Service, ui *console, quitCh chan<- struct{}) {
	defer close(quitCh)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if handleCommand(svc, line) {
				return
			}
			continue
		}
		if err := ui.sendChat(svc, line); err != nil {
			fmt.Printf("[WARN] send failed: %v\n", err)
		}
	}
}

// handleCommand runs one slash command and reports whether to quit
func handleCommand(svc *mesh.Service, line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/q":
		return true
	case "/nick":
		if len(fields) < 2 {
			fmt.Println("usage: /nick <name>")
			return false
		}
		if err := svc.SetNickname(fields[1]); err != nil {
			fmt.Printf("[WARN] nickname change failed: %v\n", err)
			return false
		}
		fmt.Printf("[INFO] nickname is now %s\n", fields[1])
	case "/who":
		printRoster(svc)
	case "/dump":
		fmt.Print(svc.DebugDump())
	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}

func printRoster(svc *mesh.Service) {
	records := svc.Directory().Snapshot()
	if len(records) == 0 {
		fmt.Println("no peers tracked yet")
		return
	}
	for _, rec := range records {
		marks := ""
		if rec.Verified {
			marks += " verified"
		}
		if rec.Direct {
			marks += " direct"
		}
		fmt.Printf("  %s  %-16s connected=%t%s\n", rec.ID, rec.Nickname, rec.Connected, marks)
	}
}
