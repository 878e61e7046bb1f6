package constants

const USER_AGENT = "batchfill/0.1.0 (+https://github.com/Amund211/batchfill)"
