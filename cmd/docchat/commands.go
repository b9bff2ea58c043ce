package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/kalambet/docchat/internal/chat"
	"github.com/kalambet/docchat/internal/config"
	"github.com/kalambet/docchat/internal/documents"
	"github.com/kalambet/docchat/internal/gateway"
)

// withApp opens the app for the duration of one command.
func withApp(fn func(cmd *cobra.Command, args []string, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				printWarning("closing storage: %v", err)
			}
		}()
		return fn(cmd, args, a)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// resolveID accepts a full id or a unique prefix of one.
func resolveID(prefix string, ids []string) (string, error) {
	var match string
	for _, id := range ids {
		if id == prefix {
			return id, nil
		}
		if strings.HasPrefix(id, prefix) {
			if match != "" {
				return "", fmt.Errorf("id prefix %q is ambiguous", prefix)
			}
			match = id
		}
	}
	if match == "" {
		return prefix, nil
	}
	return match, nil
}

// --- upload ---

var uploadCmd = &cobra.Command{
	Use:   "upload <file>...",
	Short: "Upload plain text documents and select them for answers",
	Long: `Upload one or more .txt files to the backend. Each uploaded document is
added to the upload history and selected for RAG answers.

Examples:
  docchat upload notes.txt --description "meeting notes"
  docchat upload a.txt b.txt -d "project docs"`,
	Args: cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		description, _ := cmd.Flags().GetString("description")

		var inputs []documents.UploadInput
		invalid := 0
		for _, path := range args {
			in, err := documents.PrepareFile(path, description)
			if err != nil {
				printError("%s: %v", path, err)
				invalid++
				continue
			}
			inputs = append(inputs, in)
		}
		if len(inputs) == 0 {
			return fmt.Errorf("no valid files to upload")
		}

		printStep("Uploading %d file(s)...", len(inputs))
		failed := invalid
		for _, r := range a.uploader.UploadAll(cmd.Context(), inputs) {
			if r.Err != nil {
				printError("%v", r.Err)
				failed++
				continue
			}
			msg := r.Message
			if msg == "" {
				msg = "uploaded"
			}
			printSuccess("%s (%s): %s", r.Doc.Name, shortID(r.Doc.ID), msg)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d file(s) not uploaded", failed, len(args))
		}
		return nil
	}),
}

func init() {
	uploadCmd.Flags().StringP("description", "d", "", "description of the document(s) (required)")
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage uploaded documents and the active selection",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents selected for answers",
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		active := a.docs.Active()
		if len(active) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No active documents.")
			return nil
		}
		for _, d := range active {
			printDocument(cmd.OutOrStdout(), d, "")
		}
		return nil
	}),
}

var docsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "List every uploaded document, most recent first",
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		history := a.docs.History()
		if len(history) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No uploads yet.")
			return nil
		}
		for _, d := range history {
			mark := "[ ]"
			if a.docs.IsSelected(d.ID) {
				mark = "[x]"
			}
			printDocument(cmd.OutOrStdout(), d, mark+" ")
		}
		return nil
	}),
}

var docsToggleCmd = &cobra.Command{
	Use:   "toggle <id>",
	Short: "Select or deselect a document from the upload history",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		id, err := resolveID(args[0], historyIDs(a.docs))
		if err != nil {
			return err
		}
		if !a.docs.Toggle(id) {
			return fmt.Errorf("document %s is not in the upload history", args[0])
		}
		if a.docs.IsSelected(id) {
			printSuccess("Selected %s", shortID(id))
		} else {
			printSuccess("Deselected %s", shortID(id))
		}
		return nil
	}),
}

var docsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove a document from the active selection (history is kept)",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		id, err := resolveID(args[0], a.docs.ActiveIDs())
		if err != nil {
			return err
		}
		if !a.docs.IsSelected(id) {
			printWarning("%s is not active", args[0])
			return nil
		}
		a.docs.RemoveFromActive(id)
		printSuccess("Removed %s from active documents", shortID(id))
		return nil
	}),
}

var docsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Forget the upload history and selection",
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will forget ALL uploaded documents. Use --confirm to proceed.")
			return nil
		}
		a.docs.ClearHistory()
		printSuccess("Upload history cleared")
		return nil
	}),
}

var docsRemoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "List documents stored on the backend as JSON",
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		start, _ := cmd.Flags().GetInt("start")
		end, _ := cmd.Flags().GetInt("end")
		withContent, _ := cmd.Flags().GetBool("content")

		infos, err := a.gw.ListDocuments(cmd.Context(), gateway.ListOptions{
			Start:          start,
			End:            end,
			IncludeContent: withContent,
		})
		if err != nil {
			return err
		}

		records := make([]json.RawMessage, len(infos))
		for i, info := range infos {
			records[i] = info.Raw
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}),
}

func init() {
	docsClearCmd.Flags().Bool("confirm", false, "confirm clearing the history")
	docsRemoteCmd.Flags().Int("start", 0, "first index")
	docsRemoteCmd.Flags().Int("end", 100, "index after the last one")
	docsRemoteCmd.Flags().Bool("content", false, "include document content")

	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsHistoryCmd)
	docsCmd.AddCommand(docsToggleCmd)
	docsCmd.AddCommand(docsRemoveCmd)
	docsCmd.AddCommand(docsClearCmd)
	docsCmd.AddCommand(docsRemoteCmd)
}

func historyIDs(sel *documents.Selection) []string {
	history := sel.History()
	ids := make([]string, len(history))
	for i, d := range history {
		ids[i] = d.ID
	}
	return ids
}

func printDocument(w io.Writer, d documents.Document, prefix string) {
	fmt.Fprintf(w, "%s%s  %s  %s  %s\n",
		prefix,
		cyan(shortID(d.ID)),
		d.UploadedAt.Local().Format("2006-01-02 15:04"),
		bold(d.Name),
		d.Description,
	)
}

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant and manage chats",
}

var chatSendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a message on the active chat and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		return sendAndPrint(cmd, a, strings.Join(args, " "))
	}),
}

func sendAndPrint(cmd *cobra.Command, a *app, text string) error {
	turn, err := a.chat.Send(cmd.Context(), text)
	if err != nil {
		return err
	}
	printTurn(cmd.OutOrStdout(), turn)
	return nil
}

func printTurn(w io.Writer, turn chat.Turn) {
	if turn.Err != nil {
		printWarning("%s", turn.Reply.Content)
		return
	}
	fmt.Fprintln(w, turn.Reply.Content)
}

var chatReplCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive chat on the active chat",
	Long: `Interactive chat. Each line is sent on the active chat.

Commands:
  /new           start a new chat
  /mode rag|chat switch chat mode
  /quit          leave`,
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		return runREPL(cmd, a)
	}),
}

func runREPL(cmd *cobra.Command, a *app) error {
	out := cmd.OutOrStdout()
	s, _ := a.chat.Active()
	fmt.Fprintf(out, "%s (%s mode). /quit to leave.\n", bold(s.Title), a.chat.Mode())

	in := cmd.InOrStdin()
	interactive := isTerminal(in)
	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, "> ")
		}
		if !scanner.Scan() {
			if interactive {
				fmt.Fprintln(out)
			}
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "":
			continue
		case line == "/quit" || line == "/exit":
			return nil
		case line == "/new":
			s := a.chat.CreateSession()
			printSuccess("Started %s", s.Title)
			continue
		case strings.HasPrefix(line, "/mode"):
			mode, err := chat.ParseMode(strings.TrimSpace(strings.TrimPrefix(line, "/mode")))
			if err == nil {
				err = a.chat.SetMode(mode)
			}
			if err != nil {
				printError("%v", err)
			} else {
				printSuccess("Mode set to %s", mode)
			}
			continue
		}

		a.chat.SetDraft(line)
		turn, err := a.chat.SendDraft(cmd.Context())
		if err != nil {
			printError("%v", err)
			continue
		}
		printTurn(out, turn)
		if cmd.Context().Err() != nil {
			return nil
		}
	}
}

// isTerminal reports whether r is an interactive terminal. Piped input gets
// no prompts.
func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

var chatNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Start a new chat and make it active",
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		s := a.chat.CreateSession()
		printSuccess("Started %s (%s)", s.Title, shortID(s.ID))
		return nil
	}),
}

var chatListCmd = &cobra.Command{
	Use:   "list",
	Short: "List chats, newest first",
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		active := a.chat.ActiveID()
		for _, s := range a.chat.Sessions() {
			mark := " "
			if s.ID == active {
				mark = "*"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %-10s %3d message(s)  %s\n",
				mark,
				cyan(shortID(s.ID)),
				s.Title,
				len(s.Messages),
				faint(s.CreatedAt.Local().Format("2006-01-02 15:04")),
			)
		}
		return nil
	}),
}

var chatSwitchCmd = &cobra.Command{
	Use:   "switch <id>",
	Short: "Make a chat active",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		id, err := resolveID(args[0], sessionIDs(a.chat))
		if err != nil {
			return err
		}
		if err := a.chat.SetActive(id); err != nil {
			return err
		}
		s, _ := a.chat.Active()
		printSuccess("Switched to %s", s.Title)
		return nil
	}),
}

var chatDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a chat",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		id, err := resolveID(args[0], sessionIDs(a.chat))
		if err != nil {
			return err
		}
		if err := a.chat.DeleteSession(id); err != nil {
			return err
		}
		s, _ := a.chat.Active()
		printSuccess("Deleted %s; active chat is %s", shortID(id), s.Title)
		return nil
	}),
}

var chatClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every chat and start a fresh one",
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL chats. Use --confirm to proceed.")
			return nil
		}
		s := a.chat.ClearAllSessions()
		printSuccess("All chats deleted; started %s", s.Title)
		return nil
	}),
}

var chatShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print a chat transcript (default: the active chat)",
	Args:  cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		id := a.chat.ActiveID()
		if len(args) == 1 {
			var err error
			if id, err = resolveID(args[0], sessionIDs(a.chat)); err != nil {
				return err
			}
		}
		s, ok := a.chat.Session(id)
		if !ok {
			return fmt.Errorf("%w: %s", chat.ErrSessionNotFound, id)
		}
		printTranscript(cmd.OutOrStdout(), s)
		return nil
	}),
}

func init() {
	chatClearCmd.Flags().Bool("confirm", false, "confirm deleting all chats")

	chatCmd.AddCommand(chatSendCmd)
	chatCmd.AddCommand(chatReplCmd)
	chatCmd.AddCommand(chatNewCmd)
	chatCmd.AddCommand(chatListCmd)
	chatCmd.AddCommand(chatSwitchCmd)
	chatCmd.AddCommand(chatDeleteCmd)
	chatCmd.AddCommand(chatClearCmd)
	chatCmd.AddCommand(chatShowCmd)
}

func sessionIDs(m *chat.Model) []string {
	sessions := m.Sessions()
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.ID
	}
	return ids
}

func printTranscript(w io.Writer, s chat.Session) {
	fmt.Fprintln(w, bold(s.Title))
	if len(s.Messages) == 0 {
		fmt.Fprintln(w, faint("(no messages)"))
		return
	}
	for _, m := range s.Messages {
		who := green("you")
		if m.Sender == chat.SenderBot {
			who = cyan("bot")
		}
		fmt.Fprintf(w, "%s %s: %s\n", faint(m.Timestamp.Local().Format(time.Kitchen)), who, m.Content)
	}
}

// --- mode / sidebar ---

var modeCmd = &cobra.Command{
	Use:       "mode [rag|chat]",
	Short:     "Show or set the chat mode",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{string(chat.ModeRAG), string(chat.ModeChat)},
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		if len(args) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), a.chat.Mode())
			return nil
		}
		mode, err := chat.ParseMode(args[0])
		if err != nil {
			return err
		}
		if err := a.chat.SetMode(mode); err != nil {
			return err
		}
		printSuccess("Mode set to %s", mode)
		return nil
	}),
}

var sidebarCmd = &cobra.Command{
	Use:       "sidebar [on|off]",
	Short:     "Show or set the chat list layout preference",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
		if len(args) == 0 {
			state := "off"
			if a.chat.SidebarOpen() {
				state = "on"
			}
			fmt.Fprintln(cmd.OutOrStdout(), state)
			return nil
		}
		switch args[0] {
		case "on":
			a.chat.SetSidebarOpen(true)
		case "off":
			a.chat.SetSidebarOpen(false)
		default:
			return errors.New(`sidebar takes "on" or "off"`)
		}
		printSuccess("Sidebar %s", args[0])
		return nil
	}),
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s  %s\n", bold(k.Key), k.Value, faint("("+k.EnvVar+")"))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
