package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"golang.org/x/term"

	"geoattend/internal/audit"
	"geoattend/internal/directory"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp       = errors.New("help provided")
	errNoAuditLog = errors.New("audit log needs a postgres or sqlite store backend")
)

type commandLine struct {
	dir   *directory.Directory
	audit *audit.Repository // nil unless the store is SQL
	out   io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  adduser -id ID -name NAME -role student|faculty [-email EMAIL] - create a user, password is prompted")
	fmt.Fprintln(cli.out, "  addsubject -id ID -name NAME -faculty FACULTY_ID [-students S1,S2] - create a subject")
	fmt.Fprintln(cli.out, "  enroll -subject SUBJECT_ID -students S1,S2 - enroll students")
	fmt.Fprintln(cli.out, "  seed -file PATH - import users and subjects from JSON")
	fmt.Fprintln(cli.out, "  audit [-student ID] [-session ID] [-limit N] - list recorded scans")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	switch args[1] {
	case "adduser":
		fs := cli.flagSet("adduser")
		id := fs.String("id", "", "The user id.")
		name := fs.String("name", "", "The display name.")
		email := fs.String("email", "", "Optional email.")
		role := fs.String("role", string(directory.RoleStudent), "student or faculty.")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		if *id == "" || *name == "" {
			fs.Usage()
			return errHelp
		}
		fmt.Fprint(cli.out, "Enter password:")
		pwd, err := readPasswordFunc(int(syscall.Stdin))
		fmt.Fprintln(cli.out)
		if err != nil {
			return err
		}
		if len(pwd) == 0 {
			fs.Usage()
			return errHelp
		}
		return cli.addUser(ctx, directory.User{ID: *id, Name: *name, Email: *email, Role: directory.Role(*role)}, string(pwd))

	case "addsubject":
		fs := cli.flagSet("addsubject")
		id := fs.String("id", "", "The subject id.")
		name := fs.String("name", "", "The subject name.")
		faculty := fs.String("faculty", "", "Id of the teaching faculty member.")
		students := fs.String("students", "", "Comma separated student ids.")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		if *id == "" || *name == "" || *faculty == "" {
			fs.Usage()
			return errHelp
		}
		subj := directory.Subject{ID: *id, Name: *name, FacultyID: *faculty, StudentIDs: splitIDs(*students)}
		if err := cli.dir.PutSubject(ctx, subj); err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "subject %s saved\n", *id)
		return nil

	case "enroll":
		fs := cli.flagSet("enroll")
		subject := fs.String("subject", "", "The subject id.")
		students := fs.String("students", "", "Comma separated student ids.")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		ids := splitIDs(*students)
		if *subject == "" || len(ids) == 0 {
			fs.Usage()
			return errHelp
		}
		if err := cli.dir.Enroll(ctx, *subject, ids...); err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "enrolled %d student(s) in %s\n", len(ids), *subject)
		return nil

	case "seed":
		fs := cli.flagSet("seed")
		file := fs.String("file", "", "Path of the JSON seed file.")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		if *file == "" {
			fs.Usage()
			return errHelp
		}
		f, err := os.Open(*file)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := cli.dir.LoadSeed(ctx, f); err != nil {
			return err
		}
		fmt.Fprintf(cli.out, "seeded from %s\n", *file)
		return nil

	case "audit":
		fs := cli.flagSet("audit")
		student := fs.String("student", "", "Filter by student id.")
		session := fs.String("session", "", "Filter by session id.")
		limit := fs.Int("limit", 50, "Maximum rows.")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		if cli.audit == nil {
			return errNoAuditLog
		}
		entries, err := cli.audit.List(ctx, audit.Filter{StudentID: *student, SessionID: *session, Limit: *limit})
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(cli.out, "%s\t%s\t%s\t%s\t%.6f,%.6f\n",
				e.At.Format(time.RFC3339), e.StudentID, e.Direction, e.SessionID, e.Lat, e.Lng)
		}
		return nil

	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) addUser(ctx context.Context, usr directory.User, pwd string) error {
	usr, err := cli.dir.SaveUser(ctx, usr, pwd)
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "user %s (%s) saved\n", usr.ID, usr.Role)
	return nil
}

func (cli *commandLine) flagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	return fs
}

func splitIDs(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
