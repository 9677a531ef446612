package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"lanchego/internal/auth"
	"lanchego/internal/canteen"
	"lanchego/internal/config"
	"lanchego/internal/store"
)

var (
	ok   = color.New(color.FgGreen).SprintFunc()
	warn = color.New(color.FgYellow).SprintFunc()
)

func main() {
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "lanchectl",
		Short: "Administer the canteen database",
		Long: `lanchectl prepares the canteen database: it applies migrations and
registers the students and operators the reader will later enroll.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DBDriver, "driver", cfg.DBDriver, "database driver (pgx or sqlite3)")
	rootCmd.PersistentFlags().StringVar(&cfg.DatabaseURL, "db", cfg.DatabaseURL, "database connection string")

	rootCmd.AddCommand(migrateCmd(&cfg))
	rootCmd.AddCommand(operatorCmd(&cfg))
	rootCmd.AddCommand(studentCmd(&cfg))
	rootCmd.AddCommand(withdrawalsCmd(&cfg))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error:"), err)
		os.Exit(1)
	}
}

// open connects and migrates, so every command sees the current schema.
func open(ctx context.Context, cfg *config.App) (*store.DB, *canteen.Repository, error) {
	db, err := store.NewDB(cfg.DBDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	return db, canteen.NewRepository(db), nil
}

func migrateCmd(cfg *config.App) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, _, err := open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Printf("%s schema up to date (%s)\n", ok("✓"), cfg.DBDriver)
			return nil
		},
	}
}

func operatorCmd(cfg *config.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage canteen operators",
	}

	create := &cobra.Command{
		Use:   "create [username]",
		Short: "Register an operator with a password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, _ := cmd.Flags().GetString("password")
			name, _ := cmd.Flags().GetString("name")
			admin, _ := cmd.Flags().GetBool("admin")
			if len(password) < 6 {
				return fmt.Errorf("password must have at least 6 characters")
			}
			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}

			db, repo, err := open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			op, err := repo.CreateOperator(cmd.Context(), canteen.Operator{
				Username:     args[0],
				FullName:     name,
				PasswordHash: hash,
				IsAdmin:      admin,
			})
			if err != nil {
				return fmt.Errorf("failed to create operator: %w", err)
			}
			role := "staff"
			if op.IsAdmin {
				role = warn("admin")
			}
			fmt.Printf("%s Created operator %d: %s (%s)\n", ok("✓"), op.ID, op.Username, role)
			return nil
		},
	}
	create.Flags().StringP("password", "p", "", "login password")
	create.Flags().String("name", "", "full name (defaults to the username)")
	create.Flags().Bool("admin", false, "grant administrator rights")
	_ = create.MarkFlagRequired("password")

	cmd.AddCommand(create)
	return cmd
}

func studentCmd(cfg *config.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "student",
		Short: "Manage students",
	}

	create := &cobra.Command{
		Use:   "create [full name]",
		Short: "Register a student in a cohort",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cohort, _ := cmd.Flags().GetString("turma")
			registration, _ := cmd.Flags().GetString("matricula")
			if !canteen.ValidCohort(cohort) {
				return fmt.Errorf("invalid cohort: %q\nValid cohorts: %s", cohort, strings.Join(canteen.Cohorts, ", "))
			}

			db, repo, err := open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			st := canteen.Student{FullName: strings.Join(args, " "), Cohort: cohort}
			if registration != "" {
				st.Registration = &registration
			}
			st, err = repo.CreateStudent(cmd.Context(), st)
			if err != nil {
				return fmt.Errorf("failed to create student: %w", err)
			}
			fmt.Printf("%s Created student %d: %s [%s]\n", ok("✓"), st.ID, st.FullName, st.Cohort)
			return nil
		},
	}
	create.Flags().String("turma", "", "cohort code, e.g. 1I")
	create.Flags().String("matricula", "", "registration number")
	_ = create.MarkFlagRequired("turma")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the students of a cohort",
		RunE: func(cmd *cobra.Command, args []string) error {
			cohort, _ := cmd.Flags().GetString("turma")
			db, repo, err := open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			students, err := repo.ListStudentsByCohort(cmd.Context(), cohort)
			if err != nil {
				return err
			}
			if len(students) == 0 {
				fmt.Println(warn("no students in " + cohort))
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tFINGERPRINTS")
			for _, st := range students {
				count := fmt.Sprint(st.FingerprintCount)
				if st.FingerprintCount == 0 {
					count = warn(count)
				}
				fmt.Fprintf(w, "%d\t%s\t%s\n", st.ID, st.FullName, count)
			}
			return w.Flush()
		},
	}
	list.Flags().String("turma", "", "cohort code")
	_ = list.MarkFlagRequired("turma")

	cmd.AddCommand(create, list)
	return cmd
}

func withdrawalsCmd(cfg *config.App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "withdrawals",
		Short: "Show the withdrawals of a day",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, _ := cmd.Flags().GetString("day")
			if day == "" {
				day = time.Now().In(cfg.Location()).Format(time.DateOnly)
			}
			db, repo, err := open(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			list, err := repo.WithdrawalsOn(cmd.Context(), day)
			if err != nil {
				return err
			}
			fmt.Printf("%s %d withdrawal(s)\n", day, len(list))
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			for _, wd := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\n", wd.At.In(cfg.Location()).Format("15:04:05"), wd.StudentName, wd.Cohort)
			}
			return w.Flush()
		},
	}
	cmd.Flags().String("day", "", "day as YYYY-MM-DD (defaults to today)")
	return cmd
}
