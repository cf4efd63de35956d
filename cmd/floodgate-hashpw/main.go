// floodgate-hashpw generates bcrypt password hashes for [[api.auth.users]]
// entries in the floodgate config, and checks a password against one.
// Usage:
//
//	floodgate-hashpw
//	floodgate-hashpw -cost 12
//	echo 'mypassword' | floodgate-hashpw
//	floodgate-hashpw -verify '$2a$10$...'
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

func main() {
	cost := flag.Int("cost", bcrypt.DefaultCost, "bcrypt cost factor")
	verify := flag.String("verify", "", "check the password against this hash instead of generating one")
	flag.Parse()

	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fail(fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost))
	}

	password, err := readPassword(flag.Args(), *verify == "")
	if err != nil {
		fail(err)
	}

	if *verify != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(*verify), []byte(password)); err != nil {
			fmt.Fprintln(os.Stderr, "password does not match")
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, "password matches")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), *cost)
	if err != nil {
		fail(err)
	}
	fmt.Println(string(hash))
}

// readPassword takes the password from the first argument, a pipe, or an
// interactive prompt, in that order.
func readPassword(args []string, confirm bool) (string, error) {
	if len(args) > 0 {
		return nonEmpty(args[0])
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(os.Stdin)
	}

	pw, err := prompt(fd, "Password: ")
	if err != nil {
		return "", err
	}
	if confirm {
		again, err := prompt(fd, "Confirm:  ")
		if err != nil {
			return "", err
		}
		if again != pw {
			return "", errors.New("passwords do not match")
		}
	}
	return nonEmpty(pw)
}

func prompt(fd int, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func readLine(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return "", errors.New("empty password from stdin")
	}
	return nonEmpty(strings.TrimSpace(scanner.Text()))
}

func nonEmpty(pw string) (string, error) {
	if pw == "" {
		return "", errors.New("password must not be empty")
	}
	return pw, nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}
