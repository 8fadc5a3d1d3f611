package scraper

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pauljones0/itchclaim/internal/validator"
)

// SelectorVersion is the parse contract version this build understands. A selector
// file declaring any other version is rejected.
const SelectorVersion = 1

type SelectorConfig struct {
	Version      int                   `json:"version" validate:"required"`
	SalePage     SalePageSelectors     `json:"sale_page"`
	GameCell     GameCellSelectors     `json:"game_cell"`
	GamePage     GamePageSelectors     `json:"game_page"`
	DownloadPage DownloadPageSelectors `json:"download_page"`
	Login        LoginSelectors        `json:"login"`
}

type SalePageSelectors struct {
	PayloadPattern string `json:"payload_pattern" validate:"required"` // one capture group holding the JSON payload
	DateLayout     string `json:"date_layout" validate:"required"`
}

type GameCellSelectors struct {
	Cell      string `json:"cell" validate:"required"`
	IDAttr    string `json:"id_attr" validate:"required"`
	TitleLink string `json:"title_link" validate:"required"`
	Thumb     string `json:"thumb" validate:"required"`
	ThumbAttr string `json:"thumb_attr" validate:"required"`
	Price     string `json:"price" validate:"required"`
}

type GamePageSelectors struct {
	BuyRow          string `json:"buy_row" validate:"required"`
	BuyButton       string `json:"buy_button" validate:"required"`
	ClaimableText   string `json:"claimable_text" validate:"required"`
	OwnershipMarker string `json:"ownership_marker" validate:"required"`
	DataDateLayout  string `json:"data_date_layout" validate:"required"`
}

type DownloadPageSelectors struct {
	ClaimForm        string   `json:"claim_form" validate:"required"`
	Upload           string   `json:"upload" validate:"required"`
	UploadButton     string   `json:"upload_button" validate:"required"`
	UploadIDAttr     string   `json:"upload_id_attr" validate:"required"`
	UploadDate       string   `json:"upload_date" validate:"required"`
	UploadDateLayout string   `json:"upload_date_layout" validate:"required"`
	Platforms        string   `json:"platforms" validate:"required"`
	PlatformIcons    []string `json:"platform_icons" validate:"required,min=1"`
	Name             string   `json:"name" validate:"required"`
	FileSize         string   `json:"file_size" validate:"required"`
}

type LoginSelectors struct {
	CSRFInput      string `json:"csrf_input" validate:"required"`
	TOTPPathPrefix string `json:"totp_path_prefix" validate:"required"`
	UserIDInput    string `json:"user_id_input" validate:"required"`
	FormErrors     string `json:"form_errors" validate:"required"`
	LoggedInMarker string `json:"logged_in_marker" validate:"required"`
}

// LoadSelectors loads the selector configuration from the specified JSON file.
func LoadSelectors(path string) (SelectorConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SelectorConfig{}, fmt.Errorf("failed to read selector config file: %w", err)
	}

	return LoadSelectorsFromBytes(data)
}

// LoadSelectorsFromBytes parses and validates selector configuration from raw JSON bytes.
func LoadSelectorsFromBytes(data []byte) (SelectorConfig, error) {
	var config SelectorConfig
	if err := json.Unmarshal(data, &config); err != nil {
		return SelectorConfig{}, fmt.Errorf("failed to parse selector config JSON: %w", err)
	}
	if config.Version != SelectorVersion {
		return SelectorConfig{}, fmt.Errorf("selector config version %d, want %d", config.Version, SelectorVersion)
	}
	if err := validator.New().ValidateStruct(config); err != nil {
		return SelectorConfig{}, fmt.Errorf("invalid selector config: %w", err)
	}

	return config, nil
}

// DefaultSelectors returns the fallback configuration if no JSON file is loaded.
// It must stay in sync with the embedded selectors.json.
func DefaultSelectors() SelectorConfig {
	return SelectorConfig{
		Version: SelectorVersion,
		SalePage: SalePageSelectors{
			PayloadPattern: `new I\.SalePage.+, (.+)\);I`,
			DateLayout:     "2006-01-02T15:04:05Z",
		},
		GameCell: GameCellSelectors{
			Cell:      "div.game_cell",
			IDAttr:    "data-game_id",
			TitleLink: "a.title.game_link",
			Thumb:     "div.game_thumb img",
			ThumbAttr: "data-lazy_src",
			Price:     "div.price_value",
		},
		GamePage: GamePageSelectors{
			BuyRow:          "div.buy_row",
			BuyButton:       "a.button.buy_btn",
			ClaimableText:   "Download or claim",
			OwnershipMarker: "div.purchase_banner_inner, span.ownership_date",
			DataDateLayout:  "2006-01-02 15:04:05",
		},
		DownloadPage: DownloadPageSelectors{
			ClaimForm:        "div.claim_to_download_box.warning_box form",
			Upload:           "div.upload",
			UploadButton:     "a.download_btn",
			UploadIDAttr:     "data-upload_id",
			UploadDate:       "div.upload_date abbr",
			UploadDateLayout: "02 January 2006 @ 15:04",
			Platforms:        "span.download_platforms",
			PlatformIcons:    []string{"windows8", "android", "tux", "apple"},
			Name:             "strong.name",
			FileSize:         "span.file_size",
		},
		Login: LoginSelectors{
			CSRFInput:      "input[name=csrf_token]",
			TOTPPathPrefix: "/totp/",
			UserIDInput:    "input[name=user_id]",
			FormErrors:     "div.form_errors",
			LoggedInMarker: "div.user_panel_widget, a.logged_in_user",
		},
	}
}
