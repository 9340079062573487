package admin

import (
	"bufio"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/credman/credman/pkg/audit"
	"github.com/credman/credman/pkg/auth"
	"github.com/credman/credman/pkg/credentials"
	"github.com/credman/credman/pkg/crypto"
	"github.com/credman/credman/pkg/rotator"
	"github.com/credman/credman/pkg/store"
	"github.com/credman/credman/pkg/types"
)

// Deps are the collaborators the monitor drives.
type Deps struct {
	Store   store.Store
	Auth    *auth.Service
	Creds   *credentials.Manager
	Rotator *rotator.Rotator
	Audit   *audit.Journal
}

// Monitor is the interactive server-admin interface. It is gated by
// the same user table the data plane authenticates against.
type Monitor struct {
	deps Deps
	in   *bufio.Reader
	out  io.Writer

	// readPassword is swappable so tests can run without a TTY.
	readPassword func() (string, error)

	// actor is the authenticated admin, set by Run.
	actor string
}

// New creates a monitor reading commands from in and writing to out.
func New(deps Deps, in io.Reader, out io.Writer) *Monitor {
	m := &Monitor{
		deps: deps,
		in:   bufio.NewReader(in),
		out:  out,
	}
	m.readPassword = func() (string, error) {
		fd := int(os.Stdin.Fd())
		if term.IsTerminal(fd) {
			defer fmt.Fprintln(out)
			pw, err := term.ReadPassword(fd)
			return string(pw), err
		}
		line, err := m.in.ReadString('\n')
		return strings.TrimRight(line, "\r\n"), err
	}
	return m
}

// command binds a two-word monitor command to its implementation.
type command struct {
	nargs int
	usage string
	run   func(ctx context.Context, args []string) error
}

// Run authenticates the operator and enters the command loop.
func (m *Monitor) Run(ctx context.Context) error {
	fmt.Fprintln(m.out, "Welcome to the credentials manager monitor. Enter HELP for the command list.")

	fmt.Fprint(m.out, "Username: ")
	username, err := m.readLine()
	if err != nil {
		return err
	}
	fmt.Fprint(m.out, "Password: ")
	password, err := m.readPassword()
	if err != nil {
		return err
	}

	ok, err := m.deps.Auth.Authenticate(ctx, username, password)
	if err != nil {
		return fmt.Errorf("authentication backend failed: %w", err)
	}
	if !ok {
		fmt.Fprintln(m.out, "Authentication failed.")
		return errors.New("authentication failed")
	}
	m.actor = username
	fmt.Fprintln(m.out, "Authentication successful.")

	commands := m.commands()
	for {
		fmt.Fprintf(m.out, "CM [%s]>> ", m.actor)
		line, err := m.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if strings.EqualFold(fields[0], "EXIT") {
			fmt.Fprintln(m.out, "Exiting CM monitor.")
			return nil
		}

		// Commands are two words; HELP is the one-word exception.
		name := strings.ToUpper(fields[0])
		args := fields[1:]
		if name != "HELP" {
			if len(fields) < 2 {
				fmt.Fprintln(m.out, "Invalid command structure. Enter HELP for the command list.")
				continue
			}
			name = strings.ToUpper(fields[0] + " " + fields[1])
			args = fields[2:]
		}

		cmd, ok := commands[name]
		if !ok {
			fmt.Fprintln(m.out, "Invalid command structure. Enter HELP for the command list.")
			continue
		}
		if len(args) != cmd.nargs {
			// Also catches passwords with spaces, which the
			// whitespace split cannot carry.
			fmt.Fprintf(m.out, "Error: %s takes %d argument(s): %s\n", name, cmd.nargs, cmd.usage)
			continue
		}
		if err := cmd.run(ctx, args); err != nil {
			fmt.Fprintf(m.out, "Error: %v\n", err)
		}
	}
}

func (m *Monitor) commands() map[string]command {
	return map[string]command{
		"CREATE USER":        {2, "CREATE USER <username> <password>", m.createUser},
		"DELETE USER":        {1, "DELETE USER <username>", m.deleteUser},
		"LIST USERS":         {0, "LIST USERS", m.listUsers},
		"CREATE PERMISSION":  {2, "CREATE PERMISSION <label> <username>", m.createPermission},
		"DELETE PERMISSION":  {2, "DELETE PERMISSION <label> <username>", m.deletePermission},
		"LIST PERMISSIONS":   {0, "LIST PERMISSIONS", m.listPermissions},
		"CREATE CREDENTIALS": {2, "CREATE CREDENTIALS <label> <path-to-json>", m.createCredentials},
		"DELETE CREDENTIALS": {1, "DELETE CREDENTIALS <label>", m.deleteCredentials},
		"LIST CREDENTIALS":   {0, "LIST CREDENTIALS", m.listCredentials},
		"ROTATE CREDENTIALS": {1, "ROTATE CREDENTIALS <label>", m.rotateCredentials},
		"TEST CONNECTION":    {1, "TEST CONNECTION <label>", m.testConnection},
		"HELP":               {0, "HELP", m.help},
	}
}

func (m *Monitor) createUser(ctx context.Context, args []string) error {
	username, password := args[0], args[1]
	salt, hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	if err := m.deps.Store.PutUser(ctx, username, salt, hash); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("user %q already exists", username)
		}
		return err
	}
	m.record("CREATE USER", "", username)
	fmt.Fprintf(m.out, "Created user %q.\n", username)
	return nil
}

func (m *Monitor) deleteUser(ctx context.Context, args []string) error {
	username := args[0]
	if err := m.deps.Store.DeleteUser(ctx, username); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("user %q doesn't exist", username)
		}
		return err
	}
	m.record("DELETE USER", "", username)
	fmt.Fprintf(m.out, "Deleted user %q.\n", username)
	return nil
}

func (m *Monitor) listUsers(ctx context.Context, _ []string) error {
	users, err := m.deps.Store.ListUsers(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(m.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tUSERNAME\tPASSWORD")
	for _, u := range users {
		fmt.Fprintf(w, "%d\t%s\t%s\n", u.UID, u.Username, prefix(string(u.PasswordHash), 16))
	}
	return w.Flush()
}

func (m *Monitor) createPermission(ctx context.Context, args []string) error {
	label, username := args[0], args[1]
	u, err := m.deps.Store.FetchUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("user %q doesn't exist", username)
	}
	if err != nil {
		return err
	}
	c, err := m.deps.Store.FetchCredential(ctx, label)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("credentials %q don't exist", label)
	}
	if err != nil {
		return err
	}
	if err := m.deps.Store.PutPermission(ctx, u.UID, c.CrID); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return errors.New("permission already exists")
		}
		return err
	}
	m.record("CREATE PERMISSION", label, username)
	fmt.Fprintf(m.out, "Granted access to %q for user %q.\n", label, username)
	return nil
}

func (m *Monitor) deletePermission(ctx context.Context, args []string) error {
	label, username := args[0], args[1]
	u, err := m.deps.Store.FetchUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("user %q doesn't exist", username)
	}
	if err != nil {
		return err
	}
	c, err := m.deps.Store.FetchCredential(ctx, label)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("credentials %q don't exist", label)
	}
	if err != nil {
		return err
	}
	if err := m.deps.Store.DeletePermission(ctx, u.UID, c.CrID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errors.New("permission doesn't exist")
		}
		return err
	}
	m.record("DELETE PERMISSION", label, username)
	fmt.Fprintf(m.out, "Removed access to %q from user %q.\n", label, username)
	return nil
}

func (m *Monitor) listPermissions(ctx context.Context, _ []string) error {
	perms, err := m.deps.Store.ListPermissions(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(m.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "PERM_ID\tUID\tCR_ID")
	for _, p := range perms {
		fmt.Fprintf(w, "%d\t%d\t%d\n", p.PermID, p.UID, p.CrID)
	}
	return w.Flush()
}

func (m *Monitor) createCredentials(ctx context.Context, args []string) error {
	label, path := args[0], args[1]
	secret, err := loadSecretFile(path)
	if err != nil {
		return err
	}
	defer secret.Wipe()

	if err := m.deps.Creds.Create(ctx, label, secret); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("credentials with label %q already exist", label)
		}
		return err
	}
	m.record("CREATE CREDENTIALS", label, "")
	fmt.Fprintf(m.out, "Created credentials %q.\n", label)
	return nil
}

func (m *Monitor) deleteCredentials(ctx context.Context, args []string) error {
	label := args[0]
	if err := m.deps.Creds.Delete(ctx, label); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("there are no credentials for label %q", label)
		}
		return err
	}
	m.record("DELETE CREDENTIALS", label, "")
	fmt.Fprintf(m.out, "Deleted credentials %q.\n", label)
	return nil
}

func (m *Monitor) listCredentials(ctx context.Context, _ []string) error {
	creds, err := m.deps.Creds.List(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(m.out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "CR_ID\tLABEL\tCREDENTIALS")
	for _, c := range creds {
		fmt.Fprintf(w, "%d\t%s\t%s\n", c.CrID, c.Label, prefix(hex.EncodeToString(c.Ciphertext), 16))
	}
	return w.Flush()
}

func (m *Monitor) rotateCredentials(ctx context.Context, args []string) error {
	label := args[0]
	if err := m.deps.Rotator.Rotate(ctx, label, ""); err != nil {
		return err
	}
	fmt.Fprintln(m.out, "Rotated credentials successfully.")
	return nil
}

func (m *Monitor) testConnection(ctx context.Context, args []string) error {
	label := args[0]
	if err := m.deps.Rotator.TestConnection(ctx, label, ""); err != nil {
		fmt.Fprintln(m.out, "Connection test failed.")
		return err
	}
	fmt.Fprintln(m.out, "Connection test successful.")
	return nil
}

func (m *Monitor) help(_ context.Context, _ []string) error {
	fmt.Fprint(m.out, `Credentials manager monitor commands.
Commands are case insensitive, arguments are case sensitive.
Arguments are split on whitespace and cannot contain spaces.

  CREATE USER <username> <password>
  DELETE USER <username>
  LIST USERS
  CREATE PERMISSION <label> <username>
  DELETE PERMISSION <label> <username>
  LIST PERMISSIONS
  CREATE CREDENTIALS <label> <path-to-json>
  DELETE CREDENTIALS <label>
  LIST CREDENTIALS
  ROTATE CREDENTIALS <label>
  TEST CONNECTION <label>
  HELP
  EXIT
`)
	return nil
}

func (m *Monitor) readLine() (string, error) {
	line, err := m.in.ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (m *Monitor) record(action, label, username string) {
	if m.deps.Audit == nil {
		return
	}
	m.deps.Audit.Record(audit.Event{
		Actor:    m.actor,
		Action:   action,
		Label:    label,
		Username: username,
		Outcome:  "success",
	})
}

// loadSecretFile reads and validates a credential JSON file.
func loadSecretFile(path string) (*types.Secret, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("can't open credentials file: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	var secret types.Secret
	if err := dec.Decode(&secret); err != nil {
		return nil, fmt.Errorf("invalid credentials format: %w", err)
	}
	if err := secret.Validate(); err != nil {
		return nil, fmt.Errorf("invalid credentials format: %w", err)
	}
	return &secret, nil
}

func prefix(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
