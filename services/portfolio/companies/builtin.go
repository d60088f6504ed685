// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package companies

var builtin = map[string]string{
	// Technology
	"apple":      "AAPL",
	"microsoft":  "MSFT",
	"alphabet":   "GOOGL",
	"google":     "GOOGL",
	"amazon":     "AMZN",
	"nvidia":     "NVDA",
	"tesla":      "TSLA",
	"meta":       "META",
	"facebook":   "META",
	"netflix":    "NFLX",
	"amd":        "AMD",
	"intel":      "INTC",
	"qualcomm":   "QCOM",
	"cisco":      "CSCO",
	"accenture":  "ACN",
	"ibm":        "IBM",
	"oracle":     "ORCL",
	"sap":        "SAP",
	"salesforce": "CRM",
	"adobe":      "ADBE",
	"uber":       "UBER",
	"lyft":       "LYFT",
	"shopify":    "SHOP",
	"spotify":    "SPOT",
	"zoom":       "ZM",
	"twilio":     "TWLO",
	"coinbase":   "COIN",
	"paypal":     "PYPL",
	"synopsys":   "SNPS",
	"cadence":    "CDNS",

	// Financials
	"jpmorgan":         "JPM",
	"bank of america":  "BAC",
	"bankofamerica":    "BAC",
	"goldman":          "GS",
	"goldman sachs":    "GS",
	"morgan stanley":   "MS",
	"western union":    "WU",
	"visa":             "V",
	"mastercard":       "MA",
	"american express": "AXP",
	"amex":             "AXP",
	"citigroup":        "C",
	"wells fargo":      "WFC",
	"truist":           "TFC",

	// Healthcare and energy
	"johnson & johnson": "JNJ",
	"pfizer":            "PFE",
	"moderna":           "MRNA",
	"abbvie":            "ABBV",
	"chevron":           "CVX",
	"exxon":             "XOM",
	"exxonmobil":        "XOM",
	"conocophillips":    "COP",
	"schlumberger":      "SLB",
	"bp":                "BP",
	"shell":             "SHEL",

	// Consumer
	"walmart":        "WMT",
	"home depot":     "HD",
	"coca-cola":      "KO",
	"coca cola":      "KO",
	"pepsico":        "PEP",
	"mcdonalds":      "MCD",
	"nike":           "NKE",
	"lululemon":      "LULU",
	"philip morris":  "PM",
	"general motors": "GM",
	"ford":           "F",
	"gamestop":       "GME",

	// Industrials and real estate
	"boeing":           "BA",
	"general electric": "GE",
	"caterpillar":      "CAT",
	"harley-davidson":  "HOG",
	"vornado":          "VNO",
	"simon property":   "SPG",
	"prologis":         "PLD",
}
