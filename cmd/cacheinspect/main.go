// Command cacheinspect opens a cache directory read-only and prints
// room/timeline/crypto summaries, for support and debugging without
// standing up a full host application.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/term"

	"github.com/element-hq/matrix-cache/account"
	"github.com/element-hq/matrix-cache/crypto"
	"github.com/element-hq/matrix-cache/internal/config"
	"github.com/element-hq/matrix-cache/roomstate"
	"github.com/element-hq/matrix-cache/secrets"
	"github.com/element-hq/matrix-cache/store"
	"github.com/element-hq/matrix-cache/timeline"
)

var (
	flagDirectory = flag.String("dir", "", "Path to an existing cache directory (required)")
	flagRoom      = flag.String("room", "", "If set, print detailed info for this room id only")
	flagUnlock    = flag.String("unlock-file", "", "Path to a passphrase-protected keychain file to open for secret-vault inspection")
)

// promptPassphrase reads a passphrase from the controlling terminal without
// echoing it, for -unlock-file. Returns an error if stdin isn't a terminal
// (e.g. this was piped), since a non-interactive host should supply secrets
// another way.
func promptPassphrase() ([]byte, error) {
	fmt.Fprint(os.Stderr, "keychain passphrase: ")
	defer fmt.Fprintln(os.Stderr)
	return term.ReadPassword(int(os.Stdin.Fd()))
}

func main() {
	flag.Parse()
	if *flagDirectory == "" {
		fmt.Fprintln(os.Stderr, "cacheinspect: -dir is required")
		os.Exit(2)
	}

	cfg := &config.Cache{}
	cfg.Defaults()
	cfg.Directory = *flagDirectory

	env := store.Open(cfg)
	ctx := context.Background()
	if err := env.Setup(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "cacheinspect: opening %s: %v\n", *flagDirectory, err)
		os.Exit(1)
	}
	defer env.Close()

	rooms := roomstate.New(env)
	tl := timeline.New(env)
	acct := account.New(env)
	cryptoStore := crypto.New(env)

	version, err := env.FormatVersion(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cacheinspect: reading format version: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("format version: %s\n", version.String())

	if *flagUnlock != "" {
		printKeychainAccounts(*flagUnlock)
	}

	if *flagRoom != "" {
		printRoom(ctx, rooms, tl, acct, *flagRoom)
		return
	}

	printGlobalSummary(ctx, env, rooms, cryptoStore)
}

func printGlobalSummary(ctx context.Context, env *store.Environment, rooms *roomstate.Store, cryptoStore *crypto.Store) {
	joined := countRows(env, `SELECT COUNT(*) FROM `+store.TableRooms+` WHERE membership = 'join'`)
	invited, err := rooms.Invites(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cacheinspect: listing invites: %v\n", err)
	}
	fmt.Printf("joined rooms: %d\n", joined)
	fmt.Printf("pending invites: %d\n", len(invited))

	fmt.Printf("inbound megolm sessions: %d\n", countRows(env, `SELECT COUNT(*) FROM `+store.TableInboundMegolm))
	fmt.Printf("outbound megolm sessions: %d\n", countRows(env, `SELECT COUNT(*) FROM `+store.TableOutboundMegolm))
	fmt.Printf("olm sessions: %d\n", countRows(env, `SELECT COUNT(*) FROM `+store.TableOlmSessions))
	fmt.Printf("cached user key sets: %d\n", countRows(env, `SELECT COUNT(*) FROM `+store.TableUserKeys))

	if backup, ok, err := cryptoStore.BackupVersion(ctx); err == nil && ok {
		fmt.Printf("key backup version: %s\n", backup.Version)
	} else {
		fmt.Println("key backup version: none")
	}
}

func printRoom(ctx context.Context, rooms *roomstate.Store, tl *timeline.Store, acct *account.Store, roomID string) {
	summary, err := rooms.RecomputeSummary(ctx, nil, roomID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cacheinspect: %s: %v\n", roomID, err)
		os.Exit(1)
	}
	fmt.Printf("room:        %s\n", roomID)
	fmt.Printf("name:        %s\n", summary.Name)
	fmt.Printf("is space:    %v\n", summary.IsSpace)
	if members, err := rooms.RoomMembers(ctx, nil, roomID); err == nil {
		fmt.Printf("member count: %d\n", len(members))
	}

	rng, err := tl.GetTimelineRange(ctx, roomID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cacheinspect: timeline range: %v\n", err)
	} else if rng.Valid {
		fmt.Printf("timeline:    %d events (index %d..%d)\n", rng.Last-rng.First+1, rng.First, rng.Last)
	} else {
		fmt.Println("timeline:    empty")
	}

	pending, err := tl.PendingEvents(ctx, roomID)
	if err == nil {
		fmt.Printf("pending sends: %d\n", len(pending))
	}

	unread, err := acct.CalculateRoomReadStatus(ctx, tl, roomID)
	if err == nil {
		fmt.Printf("unread:      %v\n", unread)
	}
}

func countRows(env *store.Environment, query string) int {
	var n int
	if err := env.DB().QueryRow(query).Scan(&n); err != nil {
		return -1
	}
	return n
}

func printKeychainAccounts(path string) {
	passphrase, err := promptPassphrase()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cacheinspect: reading passphrase: %v\n", err)
		return
	}
	kc, err := secrets.NewPassphraseKeychain(path, passphrase)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cacheinspect: opening keychain %s: %v\n", path, err)
		return
	}
	accounts := kc.Accounts()
	fmt.Printf("keychain accounts: %d\n", len(accounts))
	for _, name := range accounts {
		fmt.Printf("  %s\n", name)
	}
}
