package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Fuel is the portal-agnostic fuel type.
type Fuel string

const (
	FuelGasoline Fuel = "gasoline"
	FuelEthanol  Fuel = "ethanol"
	FuelFlex     Fuel = "flex"
	FuelDiesel   Fuel = "diesel"
	FuelElectric Fuel = "electric"
	FuelHybrid   Fuel = "hybrid"
	FuelOther    Fuel = "other"
)

// Transmission is the portal-agnostic gearbox type.
type Transmission string

const (
	TransmissionManual    Transmission = "manual"
	TransmissionAutomatic Transmission = "automatic"
	TransmissionCVT       Transmission = "cvt"
	TransmissionOther     Transmission = "other"
)

// MediaItem is one photo of a NormalizedVehicle.
type MediaItem struct {
	URL     string `json:"url"`
	IsCover bool   `json:"is_cover"`
}

// NormalizedVehicle is the snapshot handed to portal adapters. It is built
// fresh for every job execution and never persisted.
type NormalizedVehicle struct {
	ID              string       `json:"id"`
	TenantID        string       `json:"tenant_id"`
	Make            string       `json:"make"`
	Model           string       `json:"model"`
	Trim            string       `json:"trim,omitempty"`
	YearManufacture int          `json:"year_manufacture"`
	YearModel       int          `json:"year_model"`
	Price           float64      `json:"price"`
	Mileage         int          `json:"mileage"`
	Fuel            Fuel         `json:"fuel"`
	Transmission    Transmission `json:"transmission"`
	Color           string       `json:"color,omitempty"`
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Media           []MediaItem  `json:"media"`
	Features        []string     `json:"features,omitempty"`
}

// ErrNoMedia is returned by Normalize for vehicles without photos.
var ErrNoMedia = errors.New("vehicle has no media")

var fuelAliases = map[string]Fuel{
	"gasoline": FuelGasoline,
	"gasolina": FuelGasoline,
	"petrol":   FuelGasoline,
	"ethanol":  FuelEthanol,
	"etanol":   FuelEthanol,
	"flex":     FuelFlex,
	"diesel":   FuelDiesel,
	"electric": FuelElectric,
	"eletrico": FuelElectric,
	"hybrid":   FuelHybrid,
	"hibrido":  FuelHybrid,
}

var transmissionAliases = map[string]Transmission{
	"manual":     TransmissionManual,
	"automatic":  TransmissionAutomatic,
	"automatico": TransmissionAutomatic,
	"auto":       TransmissionAutomatic,
	"cvt":        TransmissionCVT,
}

// ParseFuel maps a free-form source value onto Fuel. Empty or unknown
// values map to FuelOther.
func ParseFuel(s string) Fuel {
	if f, ok := fuelAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return f
	}
	return FuelOther
}

// ParseTransmission maps a free-form source value onto Transmission.
func ParseTransmission(s string) Transmission {
	if t, ok := transmissionAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return t
	}
	return TransmissionOther
}

// Normalize builds the portal-agnostic snapshot of v.
//
// Media are ordered by their Order field (stable for ties) and exactly one
// item carries the cover flag: the first flagged one, or the first photo.
// An empty title is composed as "<Make> <Model> <Trim> <YearModel>".
func Normalize(v *Vehicle) (*NormalizedVehicle, error) {
	if v == nil {
		return nil, errors.New("nil vehicle")
	}
	media := make([]VehicleMedia, 0, len(v.Media))
	for _, m := range v.Media {
		if strings.TrimSpace(m.URL) != "" {
			media = append(media, m)
		}
	}
	if len(media) == 0 {
		return nil, ErrNoMedia
	}
	sort.SliceStable(media, func(i, j int) bool { return media[i].Order < media[j].Order })

	items := make([]MediaItem, len(media))
	cover := -1
	for i, m := range media {
		items[i] = MediaItem{URL: strings.TrimSpace(m.URL)}
		if m.IsCover && cover < 0 {
			cover = i
		}
	}
	if cover < 0 {
		cover = 0
	}
	items[cover].IsCover = true

	title := strings.TrimSpace(v.Title)
	if title == "" {
		title = composeTitle(v)
	}

	var features []string
	for _, f := range v.Features {
		if f = strings.TrimSpace(f); f != "" {
			features = append(features, f)
		}
	}

	return &NormalizedVehicle{
		ID:              v.ID,
		TenantID:        v.TenantID,
		Make:            strings.TrimSpace(v.Make),
		Model:           strings.TrimSpace(v.Model),
		Trim:            strings.TrimSpace(v.Trim),
		YearManufacture: v.YearManufacture,
		YearModel:       v.YearModel,
		Price:           v.Price,
		Mileage:         v.Mileage,
		Fuel:            ParseFuel(v.Fuel),
		Transmission:    ParseTransmission(v.Transmission),
		Color:           strings.TrimSpace(v.Color),
		Title:           title,
		Description:     strings.TrimSpace(v.Description),
		Media:           items,
		Features:        features,
	}, nil
}

func composeTitle(v *Vehicle) string {
	caser := cases.Title(language.Und)
	parts := make([]string, 0, 4)
	for _, p := range []string{v.Make, v.Model, v.Trim} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, caser.String(strings.ToLower(p)))
		}
	}
	if v.YearModel > 0 {
		parts = append(parts, fmt.Sprintf("%d", v.YearModel))
	}
	return strings.Join(parts, " ")
}
