// blobdump inspects attributedBody blobs in a chat.db and shows what
// the decoder makes of each one. Useful when a new macOS release
// changes the archive layout.
//
// Usage: blobdump [-n COUNT] [CHAT_DB_PATH]
package main

import (
	"database/sql"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/commsd/commsd/internal/chatdb"
)

func main() {
	count := flag.Int("n", 10, "number of blob-only messages to dump")
	flag.Parse()

	dbPath := defaultChatDB()
	if flag.NArg() > 0 {
		dbPath = flag.Arg(0)
	}
	if dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: no chat.db path given and none found")
		os.Exit(2)
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", dbPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening %s: %v\n", dbPath, err)
		os.Exit(2)
	}
	defer db.Close()

	rows, err := db.Query(`
		SELECT ROWID, guid, attributedBody
		FROM message
		WHERE (text IS NULL OR text = '')
		  AND attributedBody IS NOT NULL
		ORDER BY date DESC
		LIMIT ?
	`, *count)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error querying messages: %v\n", err)
		os.Exit(2)
	}
	defer rows.Close()

	dumped := 0
	for rows.Next() {
		var rowid int64
		var guid string
		var blob []byte
		if err := rows.Scan(&rowid, &guid, &blob); err != nil {
			fmt.Fprintf(os.Stderr, "Error scanning row: %v\n", err)
			os.Exit(2)
		}

		decoded := chatdb.DecodeBody("", blob)
		fmt.Printf("=== ROWID %d (%s) ===\n", rowid, guid)
		fmt.Printf("blob: %d bytes\n", len(blob))
		fmt.Printf("decoded: %q\n", decoded)
		if decoded == chatdb.ContentUnavailable {
			fmt.Println("head:")
			fmt.Print(hexdump(blob, 128))
		}
		fmt.Println()
		dumped++
	}
	if err := rows.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error iterating rows: %v\n", err)
		os.Exit(2)
	}
	fmt.Printf("%d blobs dumped from %s\n", dumped, dbPath)
}

func defaultChatDB() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

func hexdump(b []byte, max int) string {
	if len(b) > max {
		b = b[:max]
	}
	return hex.Dump(b)
}
