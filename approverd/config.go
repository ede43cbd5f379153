package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jrick/flagfile"
	homedir "github.com/mitchellh/go-homedir"
	strduration "github.com/xhit/go-str2duration/v2"
)

const appName = "approverd"

// errCmdDone is returned when the command already ran to completion
// during config parsing (-version and friends).
var errCmdDone = errors.New("command done")

type config struct {
	BusAddr        string
	RootDir        string
	PrefsFile      string
	ReconnectDelay time.Duration

	LogFile     string
	MaxLogFiles int
	DebugLevel  string

	AutoAcceptCalls bool

	// FavoriteRooms are "account/room" pairs joined on startup.
	FavoriteRooms []string
}

func expandPath(path string) string {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return path
	}
	return expanded
}

func loadConfig() (*config, error) {
	homeDir, err := homedir.Dir()
	if err != nil {
		return nil, err
	}
	defaultAppDir := filepath.Join(homeDir, "."+appName)
	defaultCfgFile := filepath.Join(defaultAppDir, appName+".conf")
	defaultLogFile := filepath.Join(defaultAppDir, "applogs", appName+".log")

	// Parse CLI arguments.
	cliFS := flag.NewFlagSet("CLI Arguments", flag.ContinueOnError)
	flagCfgFile := cliFS.String("cfg", defaultCfgFile, "Config file to load")
	if err := cliFS.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, errCmdDone
		}
		return nil, err
	}

	cfgFile := expandPath(*flagCfgFile)

	// Define config file flags.
	fs := flag.NewFlagSet("Config Options", flag.ContinueOnError)
	flagBusAddr := fs.String("busaddr", "ws://127.0.0.1:16483/bus", "Address of the dispatch daemon")
	flagRootDir := fs.String("root", defaultAppDir, "Root of all app data")
	flagPrefsFile := fs.String("prefsfile", "", "Preference file location")
	flagReconnectDelay := fs.String("reconnectdelay", "5s", "Delay between bus reconnection attempts")
	flagAutoAcceptCalls := fs.Bool("autoacceptcalls", false, "Accept incoming calls without confirmation")
	flagFavoriteRooms := fs.String("favoriterooms", "", "Comma delimited account/room pairs to join on start")

	// log
	flagLogFile := fs.String("log.logfile", defaultLogFile, "Log file location")
	flagMaxLogFiles := fs.Int("log.maxlogfiles", 3, "Max log files")
	flagDebugLevel := fs.String("log.debuglevel", "info", "Debug Level")

	// Load config from file, when one exists.
	f, err := os.Open(cfgFile)
	if err == nil {
		parser := flagfile.Parser{ParseSections: true}
		parseErr := parser.Parse(f, fs)
		f.Close()
		if parseErr != nil {
			return nil, parseErr
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if *flagBusAddr == "" {
		return nil, fmt.Errorf("flag 'busaddr' cannot be empty")
	}
	reconnectDelay, err := strduration.ParseDuration(*flagReconnectDelay)
	if err != nil {
		return nil, fmt.Errorf("invalid value for flag 'reconnectdelay': %v", err)
	}

	rootDir := expandPath(*flagRootDir)
	prefsFile := expandPath(*flagPrefsFile)
	if prefsFile == "" {
		prefsFile = filepath.Join(rootDir, "prefs.toml")
	}

	var favRooms []string
	if *flagFavoriteRooms != "" {
		favRooms = strings.Split(*flagFavoriteRooms, ",")
	}
	for _, fav := range favRooms {
		if !strings.Contains(fav, "/") {
			return nil, fmt.Errorf("favorite room %q is not an account/room pair", fav)
		}
	}

	return &config{
		BusAddr:         *flagBusAddr,
		RootDir:         rootDir,
		PrefsFile:       prefsFile,
		ReconnectDelay:  reconnectDelay,
		LogFile:         expandPath(*flagLogFile),
		MaxLogFiles:     *flagMaxLogFiles,
		DebugLevel:      *flagDebugLevel,
		AutoAcceptCalls: *flagAutoAcceptCalls,
		FavoriteRooms:   favRooms,
	}, nil
}
