package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/cadence/internal/db"
	"github.com/foxzi/cadence/internal/models"
	"github.com/foxzi/cadence/internal/repository"
	"github.com/foxzi/cadence/internal/schedule"
)

var (
	campaignListActive bool
	campaignListAll    bool
	campaignListSearch string
	campaignListLimit  int

	unsubscribeList string
)

// Fixtures is the document read by "campaign import"
type Fixtures struct {
	Lists     []ListFixture     `yaml:"lists"`
	Campaigns []CampaignFixture `yaml:"campaigns"`
}

// ListFixture is a recipient list with its members
type ListFixture struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Recipients  []RecipientFixture `yaml:"recipients"`
}

// RecipientFixture is one list member
type RecipientFixture struct {
	Address   string            `yaml:"address"`
	Name      string            `yaml:"name"`
	Variables map[string]string `yaml:"variables"`
}

// CampaignFixture describes a campaign to create
type CampaignFixture struct {
	ID              string        `yaml:"id"`
	Name            string        `yaml:"name"`
	MessageTemplate string        `yaml:"message_template"`
	Channel         string        `yaml:"channel"`
	Lists           []string      `yaml:"lists"`
	Schedule        schedule.Spec `yaml:"schedule"`
}

// ImportResult counts what an import created
type ImportResult struct {
	Lists      int
	Recipients int
	Campaigns  []models.Campaign
}

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign commands",
}

var campaignImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create recipient lists and campaigns from a YAML file",
	Long: `Create recipient lists and campaigns from a YAML file. Existing lists are
reused and their recipients upserted by address; campaigns are always created.`,
	Args: cobra.ExactArgs(1),
	RunE: runCampaignImport,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns",
	RunE:  runCampaignList,
}

var campaignPauseCmd = &cobra.Command{
	Use:   "pause <campaign_id>",
	Short: "Stop a campaign from firing",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setCampaignActive(args[0], false) },
}

var campaignResumeCmd = &cobra.Command{
	Use:   "resume <campaign_id>",
	Short: "Let a paused campaign fire again",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setCampaignActive(args[0], true) },
}

var unsubscribeCmd = &cobra.Command{
	Use:   "unsubscribe <address>",
	Short: "Exclude an address of a list from future firings",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnsubscribe,
}

func init() {
	campaignListCmd.Flags().BoolVar(&campaignListActive, "active", true, "Show active campaigns only")
	campaignListCmd.Flags().BoolVar(&campaignListAll, "all", false, "Show active and paused campaigns")
	campaignListCmd.Flags().StringVar(&campaignListSearch, "search", "", "Filter by name")
	campaignListCmd.Flags().IntVar(&campaignListLimit, "limit", 50, "Maximum number of campaigns to show")

	unsubscribeCmd.Flags().StringVar(&unsubscribeList, "list", "", "Recipient list ID (required)")
	unsubscribeCmd.MarkFlagRequired("list")

	campaignCmd.AddCommand(campaignImportCmd, campaignListCmd, campaignPauseCmd, campaignResumeCmd, unsubscribeCmd)
	rootCmd.AddCommand(campaignCmd)
}

func openDatabase() (*db.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	database, err := db.New(cfg.Storage.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

// LoadFixtures reads and parses an import file
func LoadFixtures(path string) (*Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read import file: %w", err)
	}

	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse import file: %w", err)
	}

	lists := make(map[string]bool, len(f.Lists))
	for i, l := range f.Lists {
		if l.ID == "" {
			return nil, fmt.Errorf("lists[%d]: id is required", i)
		}
		lists[l.ID] = true
	}
	for i, c := range f.Campaigns {
		if c.Name == "" {
			return nil, fmt.Errorf("campaigns[%d]: name is required", i)
		}
		if c.MessageTemplate == "" {
			return nil, fmt.Errorf("campaign %q: message_template is required", c.Name)
		}
		if len(c.Lists) == 0 {
			return nil, fmt.Errorf("campaign %q: at least one list is required", c.Name)
		}
		if err := c.Schedule.Validate(); err != nil {
			return nil, fmt.Errorf("campaign %q: %w", c.Name, err)
		}
	}

	return &f, nil
}

// ImportFixtures writes lists, recipients and campaigns. Campaign lists that
// are not part of the file must already exist.
func ImportFixtures(ctx context.Context, campaigns *repository.CampaignRepository, recipients *repository.RecipientRepository, f *Fixtures) (*ImportResult, error) {
	res := &ImportResult{}

	for _, lf := range f.Lists {
		existing, err := recipients.GetListByID(ctx, lf.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to look up list %s: %w", lf.ID, err)
		}
		if existing == nil {
			list := &models.RecipientList{ID: lf.ID, Name: lf.Name, Description: lf.Description}
			if list.Name == "" {
				list.Name = lf.ID
			}
			if err := recipients.CreateList(ctx, list); err != nil {
				return nil, err
			}
			res.Lists++
		}

		members := make([]models.Recipient, 0, len(lf.Recipients))
		for _, rf := range lf.Recipients {
			members = append(members, models.Recipient{Address: rf.Address, Name: rf.Name, Variables: rf.Variables})
		}
		n, err := recipients.AddRecipients(ctx, lf.ID, members)
		if err != nil {
			return nil, err
		}
		res.Recipients += n
	}

	for _, cf := range f.Campaigns {
		for _, listID := range cf.Lists {
			l, err := recipients.GetListByID(ctx, listID)
			if err != nil {
				return nil, fmt.Errorf("failed to look up list %s: %w", listID, err)
			}
			if l == nil {
				return nil, fmt.Errorf("campaign %q: unknown list %s", cf.Name, listID)
			}
		}

		c := &models.Campaign{
			ID:               cf.ID,
			Name:             cf.Name,
			MessageTemplate:  cf.MessageTemplate,
			Schedule:         cf.Schedule,
			RecipientListIDs: cf.Lists,
			Channel:          cf.Channel,
		}
		if err := campaigns.Create(ctx, c); err != nil {
			return nil, fmt.Errorf("failed to create campaign %q: %w", cf.Name, err)
		}
		res.Campaigns = append(res.Campaigns, *c)
	}

	return res, nil
}

func runCampaignImport(cmd *cobra.Command, args []string) error {
	f, err := LoadFixtures(args[0])
	if err != nil {
		return err
	}

	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	res, err := ImportFixtures(context.Background(),
		repository.NewCampaignRepository(database.DB),
		repository.NewRecipientRepository(database.DB), f)
	if err != nil {
		return err
	}

	fmt.Printf("Imported %d new list(s), %d recipient(s), %d campaign(s)\n", res.Lists, res.Recipients, len(res.Campaigns))
	for _, c := range res.Campaigns {
		next := "never"
		if c.NextFireAt != nil {
			next = c.NextFireAt.Format(time.RFC3339)
		}
		fmt.Printf("  %s  %s  next fire: %s\n", c.ID, c.Name, next)
	}
	return nil
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	filter := models.CampaignListFilter{Search: campaignListSearch, Limit: campaignListLimit}
	if !campaignListAll {
		filter.Active = &campaignListActive
	}

	list, total, err := repository.NewCampaignRepository(database.DB).List(context.Background(), filter)
	if err != nil {
		return fmt.Errorf("failed to list campaigns: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No campaigns found")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tFREQUENCY\tACTIVE\tNEXT FIRE\tSENT")
	for _, c := range list {
		next := "-"
		if c.NextFireAt != nil {
			next = c.NextFireAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\n", c.ID, c.Name, c.Schedule.Frequency, c.Active, next, c.TotalSent)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if total > len(list) {
		fmt.Printf("\nShowing %d of %d campaigns\n", len(list), total)
	}
	return nil
}

func setCampaignActive(id string, active bool) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	ctx := context.Background()
	repo := repository.NewCampaignRepository(database.DB)

	c, err := repo.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get campaign: %w", err)
	}
	if c == nil {
		return fmt.Errorf("campaign not found: %s", id)
	}
	if active && c.NextFireAt == nil {
		return fmt.Errorf("campaign %s has no future fire time", id)
	}

	if err := repo.SetActive(ctx, id, active); err != nil {
		return fmt.Errorf("failed to update campaign: %w", err)
	}

	state := "paused"
	if active {
		state = "resumed"
	}
	fmt.Printf("Campaign %s %s\n", id, state)
	return nil
}

func runUnsubscribe(cmd *cobra.Command, args []string) error {
	database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	repo := repository.NewRecipientRepository(database.DB)
	if err := repo.SetStatus(context.Background(), unsubscribeList, args[0], models.RecipientUnsubscribed); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}

	fmt.Printf("Unsubscribed %s from %s\n", args[0], unsubscribeList)
	return nil
}
